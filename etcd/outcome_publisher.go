package etcd

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"controlplane/common"
	"controlplane/metrics"

	log "github.com/sirupsen/logrus"
)

// FlowEntry is what gets stored under flows/ for an installed flow.
type FlowEntry struct {
	Flow      string    `json:"flow"`
	Path      []uint64  `json:"path"`
	UpdatedAt time.Time `json:"updated_at"`
}

type publishOp struct {
	key    string
	value  []byte
	delete bool
}

// Publisher mirrors path outcomes and installed flows into etcd. Writes are
// queued and applied by Run; a full queue drops the write.
type Publisher struct {
	kv      KV
	keys    keyspace
	timeout time.Duration
	queue   chan publishOp
	wg      sync.WaitGroup
}

func NewPublisher(kv KV, config EtcdConfig, queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{
		kv:      kv,
		keys:    newKeyspace(config.Prefix),
		timeout: timeout,
		queue:   make(chan publishOp, queueSize),
	}
}

func (p *Publisher) PublishOutcome(rec metrics.OutcomeRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Warnf("Publisher.PublishOutcome: marshal %s: %v", rec.Flow, err)
		return
	}
	p.enqueue(publishOp{key: p.keys.outcome(rec.Flow), value: data})
}

func (p *Publisher) PublishFlow(key common.FlowKey, path common.Path) {
	entry := FlowEntry{Flow: key.String(), UpdatedAt: time.Now()}
	for _, sw := range path {
		entry.Path = append(entry.Path, uint64(sw))
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Warnf("Publisher.PublishFlow: marshal %s: %v", entry.Flow, err)
		return
	}
	p.enqueue(publishOp{key: p.keys.flow(entry.Flow), value: data})
}

func (p *Publisher) RemoveFlow(key common.FlowKey) {
	p.enqueue(publishOp{key: p.keys.flow(key.String()), delete: true})
}

func (p *Publisher) enqueue(op publishOp) {
	select {
	case p.queue <- op:
	default:
		log.Warnf("Publisher.enqueue: queue full, dropping write to %s", op.key)
	}
}

// Run applies queued writes until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-p.queue:
			p.apply(ctx, op)
		}
	}
}

func (p *Publisher) apply(ctx context.Context, op publishOp) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var err error
	if op.delete {
		_, err = p.kv.Delete(ctx, op.key)
	} else {
		_, err = p.kv.Put(ctx, op.key, string(op.value))
	}
	if err != nil {
		log.Warnf("Publisher.apply: key %s: %v", op.key, err)
	}
}

func (p *Publisher) Wait() {
	p.wg.Wait()
}
