package common

import (
	"fmt"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

type PoolConfig struct {
	Name       string
	MaxWorkers int
	// NonBlocking makes Submit fail with ants.ErrPoolOverload instead of
	// waiting for a free worker.
	NonBlocking bool
}

// NewPool creates a worker pool whose task panics are logged and swallowed so a
// single flow cannot take the control loop down.
func NewPool(config PoolConfig) (*ants.Pool, error) {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 64
	}
	name := config.Name
	pool, err := ants.NewPool(config.MaxWorkers,
		ants.WithNonblocking(config.NonBlocking),
		ants.WithPanicHandler(func(p interface{}) {
			log.Errorf("NewPool: task panic in pool %s: %v", name, p)
		}),
	)
	if err != nil {
		log.Errorf("NewPool: failed to create ants pool %s: %v", name, err)
		return nil, fmt.Errorf("create pool %s: %w", name, err)
	}

	log.Infof("NewPool: pool %s started with %d workers", name, config.MaxWorkers)
	return pool, nil
}
