package storage

import (
	"context"
	"strings"
)

// PrefixStore namespaces another Store under a fixed key prefix, giving each
// room its own logical KV namespace on shared infrastructure.
type PrefixStore struct {
	inner  Store
	prefix string
}

// NewPrefixStore wraps inner so every key is stored under prefix.
func NewPrefixStore(inner Store, prefix string) *PrefixStore {
	return &PrefixStore{inner: inner, prefix: prefix}
}

func (p *PrefixStore) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *PrefixStore) Put(ctx context.Context, key string, value []byte) error {
	return p.inner.Put(ctx, p.prefix+key, value)
}

func (p *PrefixStore) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}

func (p *PrefixStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	raw, err := p.inner.List(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[strings.TrimPrefix(k, p.prefix)] = v
	}
	return out, nil
}

// Close is a no-op; the wrapped store owns the connection.
func (p *PrefixStore) Close() error {
	return nil
}
