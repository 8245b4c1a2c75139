package storage

import (
	"context"
	"strings"
)

// Namespaced scopes every key of an underlying store under a fixed prefix.
// Closing a Namespaced store does not close the underlying store.
type Namespaced struct {
	inner  Store
	prefix string
}

// Namespace returns a view of s whose keys live under prefix + "/".
func Namespace(s Store, prefix string) *Namespaced {
	return &Namespaced{inner: s, prefix: prefix + "/"}
}

// AgentNamespace returns the namespace used for an agent's own storage: the
// first 16 characters of its address.
func AgentNamespace(s Store, address string) *Namespaced {
	if len(address) > 16 {
		address = address[:16]
	}
	return Namespace(s, address)
}

func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *Namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.inner.Set(ctx, n.prefix+key, value)
}

func (n *Namespaced) Has(ctx context.Context, key string) (bool, error) {
	return n.inner.Has(ctx, n.prefix+key)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+key)
}

func (n *Namespaced) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.inner.Keys(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, n.prefix)
	}
	return keys, nil
}

func (n *Namespaced) Close() error { return nil }
