package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultPrefix = "/sdn/"

type EtcdConfig struct {
	Endpoints      []string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Prefix         string
}

func DefaultEtcdConfig() EtcdConfig {
	return EtcdConfig{
		Endpoints:      []string{"localhost:2379"},
		DialTimeout:    5 * time.Second,
		RequestTimeout: 2 * time.Second,
		Prefix:         DefaultPrefix,
	}
}

// KV is the part of the etcd client used here. *clientv3.Client satisfies it.
type KV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

func Connect(config EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return client, nil
}

type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) outcome(flow string) string { return k.prefix + "outcomes/" + flow }
func (k keyspace) flow(flow string) string    { return k.prefix + "flows/" + flow }
func (k keyspace) overrides() string          { return k.prefix + "overrides/" }
func (k keyspace) override(id string) string  { return k.overrides() + id }
func (k keyspace) result(id string) string    { return k.prefix + "override_results/" + id }
