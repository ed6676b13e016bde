package repository

import (
	"context"
	"time"

	"roomchat/internal/metrics"
)

// Store is the durable key-value collaborator. Values are opaque JSON blobs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every key starting with prefix. Order is unspecified.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Ping(ctx context.Context) error
	Close() error
	Backend() string
}

type instrumented struct {
	Store
}

// Instrument records per-operation latency for s.
func Instrument(s Store) Store {
	return &instrumented{Store: s}
}

func (i *instrumented) observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(i.Backend(), op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) Get(ctx context.Context, key string) ([]byte, bool, error) {
	defer i.observe("get", time.Now())
	return i.Store.Get(ctx, key)
}

func (i *instrumented) Put(ctx context.Context, key string, value []byte) error {
	defer i.observe("put", time.Now())
	return i.Store.Put(ctx, key, value)
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	defer i.observe("delete", time.Now())
	return i.Store.Delete(ctx, key)
}

func (i *instrumented) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	defer i.observe("list", time.Now())
	return i.Store.List(ctx, prefix)
}
