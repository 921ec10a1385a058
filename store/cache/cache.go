// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package cache provides a read-through LRU decorator over any store.Store.
// It is not one of the backend implementations itself; it exists to let
// read-heavy callers front a slower backend (typically the relational one)
// with a bounded in-process cache, invalidated eagerly on every write.
package cache

import (
	"context"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/kvstore/internal/metrics"
	"github.com/example/kvstore/key"
	"github.com/example/kvstore/store"
)

// Store wraps a backend store.Store, caching Get results keyed by key.Key
// and invalidating on every mutation that could affect them.
type Store struct {
	inner   store.Store
	cache   *lru.Cache[key.Key, json.RawMessage]
	metrics *metrics.Store
}

// Option configures a Store returned by New.
type Option func(*Store)

// WithMetrics attaches a metrics.Store; currently reserved for future cache
// hit/miss counters.
func WithMetrics(m *metrics.Store) Option {
	return func(s *Store) { s.metrics = m }
}

// New wraps inner with an LRU cache holding up to size entries.
func New(inner store.Store, size int, opts ...Option) (*Store, error) {
	c, err := lru.New[key.Key, json.RawMessage](size)
	if err != nil {
		return nil, store.Internal("cannot create LRU cache of size %d: %v", size, err)
	}
	s := &Store{inner: inner, cache: c, metrics: metrics.NoOp()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IsEmpty delegates to the wrapped store; emptiness is not cached.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) { return s.inner.IsEmpty(ctx) }

// Has delegates to the wrapped store.
func (s *Store) Has(ctx context.Context, k key.Key) (bool, error) { return s.inner.Has(ctx, k) }

// HasScope delegates to the wrapped store.
func (s *Store) HasScope(ctx context.Context, sc key.Scope) (bool, error) {
	return s.inner.HasScope(ctx, sc)
}

// Get serves from the cache when present, otherwise reads through to the
// wrapped store and populates the cache on a hit.
func (s *Store) Get(ctx context.Context, k key.Key) (json.RawMessage, bool, error) {
	if v, ok := s.cache.Get(k); ok {
		return v, true, nil
	}
	v, ok, err := s.inner.Get(ctx, k)
	if err != nil || !ok {
		return v, ok, err
	}
	s.cache.Add(k, v)
	return v, true, nil
}

// ListKeys delegates to the wrapped store; list results are not cached.
func (s *Store) ListKeys(ctx context.Context, sc key.Scope) ([]key.Key, error) {
	return s.inner.ListKeys(ctx, sc)
}

// ListScopes delegates to the wrapped store.
func (s *Store) ListScopes(ctx context.Context) ([]key.Scope, error) {
	return s.inner.ListScopes(ctx)
}

// Store writes through to the wrapped store and refreshes the cache entry.
func (s *Store) Store(ctx context.Context, k key.Key, value json.RawMessage) error {
	if err := s.inner.Store(ctx, k, value); err != nil {
		return err
	}
	s.cache.Add(k, value)
	return nil
}

// MoveValue writes through and invalidates both the source and destination
// cache entries.
func (s *Store) MoveValue(ctx context.Context, from, to key.Key) error {
	if err := s.inner.MoveValue(ctx, from, to); err != nil {
		return err
	}
	s.cache.Remove(from)
	s.cache.Remove(to)
	return nil
}

// MoveScope writes through and drops the entire cache, since which keys
// moved is not cheaply knowable from the scope alone.
func (s *Store) MoveScope(ctx context.Context, from, to key.Scope) error {
	if err := s.inner.MoveScope(ctx, from, to); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// Delete writes through and invalidates the cache entry for k.
func (s *Store) Delete(ctx context.Context, k key.Key) error {
	if err := s.inner.Delete(ctx, k); err != nil {
		return err
	}
	s.cache.Remove(k)
	return nil
}

// DeleteScope writes through and drops the entire cache.
func (s *Store) DeleteScope(ctx context.Context, sc key.Scope) error {
	if err := s.inner.DeleteScope(ctx, sc); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// Clear writes through and empties the cache.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.inner.Clear(ctx); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// MigrateNamespace writes through and empties the cache, since every cached
// key belonged to the namespace that just moved.
func (s *Store) MigrateNamespace(ctx context.Context, to key.Namespace) error {
	if err := s.inner.MigrateNamespace(ctx, to); err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

// Transaction runs body against a cache-wrapped inner store so that writes
// performed inside the transaction also populate/invalidate the cache, then
// purges on successful commit to drop any entries the transaction's own
// body cached before other committed state changed underneath it.
func (s *Store) Transaction(ctx context.Context, scope key.Scope, body store.TxnFunc) error {
	err := s.inner.Transaction(ctx, scope, func(ctx context.Context, inner store.Store) error {
		wrapped := &Store{inner: inner, cache: s.cache, metrics: s.metrics}
		return body(ctx, wrapped)
	})
	if err != nil {
		return err
	}
	s.cache.Purge()
	return nil
}

var _ store.Store = (*Store)(nil)
