// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package memory implements the process-wide, mutex-protected store
// backend. All Stores constructed by this package within one process share
// a single singleton; namespaces partition its data and lock-list state but
// do not isolate the locking of overlapping scopes within a namespace.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/example/kvstore/internal/logging"
	"github.com/example/kvstore/internal/metrics"
	"github.com/example/kvstore/key"
	"github.com/example/kvstore/store"
)

// DefaultLockRetries is the number of times a transaction retries acquiring
// its scope lock before failing with store.LockFailureErr.
const DefaultLockRetries = 1000

// DefaultLockRetryDelay is the delay between lock acquisition attempts.
const DefaultLockRetryDelay = 10 * time.Millisecond

// shardCount is the number of independent shards the singleton partitions
// its namespaces across. Each shard owns its own mutex and lock list, so
// transactions against unrelated namespaces never contend with each other.
const shardCount = 16

// shard holds the data and lock-list state for one bucket of namespaces.
type shard struct {
	mu   sync.Mutex
	data map[key.Namespace]map[key.Key]json.RawMessage

	locksMu sync.Mutex
	locks   map[key.Namespace][]key.Scope
}

func newShard() *shard {
	return &shard{
		data:  map[key.Namespace]map[key.Key]json.RawMessage{},
		locks: map[key.Namespace][]key.Scope{},
	}
}

// singleton is the process-wide backing state shared by every Store
// constructed by New, regardless of namespace.
type singleton struct {
	shards [shardCount]*shard
}

func newSingleton() *singleton {
	s := &singleton{}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	return s
}

func (s *singleton) shardFor(ns key.Namespace) *shard {
	h := xxhash.Sum64String(ns.String())
	return s.shards[h%shardCount]
}

var global = newSingleton()

// Store is an in-memory backend bound to a single namespace of the process
// singleton.
type Store struct {
	namespace Namespace
	shared    *singleton
	retries   int
	delay     time.Duration
	log       logging.Logger
	metrics   *metrics.Store
}

// Namespace is a re-export of key.Namespace for readability at call sites.
type Namespace = key.Namespace

// Option configures a Store returned by New.
type Option func(*Store)

// WithLogger sets the logger used for lock-retry diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics attaches a metrics.Store the backend reports lock waits and
// retries against.
func WithMetrics(m *metrics.Store) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLockRetries overrides the number of lock-acquisition attempts before a
// transaction fails with store.LockFailureErr.
func WithLockRetries(n int) Option {
	return func(s *Store) { s.retries = n }
}

// New returns a Store backed by the process-wide singleton map, scoped to
// namespace. Every Store for the same namespace within this process observes
// the same entries.
func New(namespace Namespace, opts ...Option) *Store {
	s := &Store{
		namespace: namespace,
		shared:    global,
		retries:   DefaultLockRetries,
		delay:     DefaultLockRetryDelay,
		log:       logging.NewNoOp(),
		metrics:   metrics.NoOp(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newWithSingleton is used by tests that want an isolated singleton instead
// of the process-wide one.
func newWithSingleton(namespace Namespace, sh *singleton, opts ...Option) *Store {
	s := New(namespace, opts...)
	s.shared = sh
	return s
}

func (s *Store) shard() *shard { return s.shared.shardFor(s.namespace) }

func (sh *shard) table(ns key.Namespace) map[key.Key]json.RawMessage {
	t, ok := sh.data[ns]
	if !ok {
		t = map[key.Key]json.RawMessage{}
		sh.data[ns] = t
	}
	return t
}

// IsEmpty reports whether the namespace contains no entries.
func (s *Store) IsEmpty(_ context.Context) (bool, error) {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.data[s.namespace]) == 0, nil
}

// Has reports whether k exists.
func (s *Store) Has(_ context.Context, k key.Key) (bool, error) {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.data[s.namespace][k]
	return ok, nil
}

// HasScope reports whether any key's scope starts with sc.
func (s *Store) HasScope(_ context.Context, sc key.Scope) (bool, error) {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for k := range sh.data[s.namespace] {
		if k.Scope.StartsWith(sc) {
			return true, nil
		}
	}
	return false, nil
}

// Get returns the value stored under k.
func (s *Store) Get(_ context.Context, k key.Key) (json.RawMessage, bool, error) {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.data[s.namespace][k]
	if !ok {
		return nil, false, nil
	}
	cp := make(json.RawMessage, len(v))
	copy(cp, v)
	return cp, true, nil
}

// ListKeys returns every key whose scope starts with sc.
func (s *Store) ListKeys(_ context.Context, sc key.Scope) ([]key.Key, error) {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var out []key.Key
	for k := range sh.data[s.namespace] {
		if k.Scope.StartsWith(sc) {
			out = append(out, k)
		}
	}
	return out, nil
}

// ListScopes returns the sorted, deduplicated set of non-empty prefixes of
// every stored key's scope.
func (s *Store) ListScopes(_ context.Context) ([]key.Scope, error) {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	seen := map[string]key.Scope{}
	for k := range sh.data[s.namespace] {
		for _, sub := range k.Scope.SubScopes() {
			seen[sub.String()] = sub
		}
	}
	out := make([]key.Scope, 0, len(seen))
	for _, sc := range seen {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// Store creates or replaces the value at k.
func (s *Store) Store(_ context.Context, k key.Key, value json.RawMessage) error {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cp := make(json.RawMessage, len(value))
	copy(cp, value)
	sh.table(s.namespace)[k] = cp
	return nil
}

// MoveValue moves the value at from to to.
func (s *Store) MoveValue(_ context.Context, from, to key.Key) error {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.table(s.namespace)
	v, ok := t[from]
	if !ok {
		return store.UnknownKey(from)
	}
	delete(t, from)
	t[to] = v
	return nil
}

// MoveScope reassigns every key whose scope is exactly from to scope to.
func (s *Store) MoveScope(_ context.Context, from, to key.Scope) error {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.table(s.namespace)
	for k, v := range t {
		if k.Scope.Equal(from) {
			delete(t, k)
			t[key.NewKey(to, k.Name)] = v
		}
	}
	return nil
}

// Delete removes k.
func (s *Store) Delete(_ context.Context, k key.Key) error {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.table(s.namespace)
	if _, ok := t[k]; !ok {
		return store.UnknownKey(k)
	}
	delete(t, k)
	return nil
}

// DeleteScope removes every key whose scope starts with sc.
func (s *Store) DeleteScope(_ context.Context, sc key.Scope) error {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.table(s.namespace)
	for k := range t {
		if k.Scope.StartsWith(sc) {
			delete(t, k)
		}
	}
	return nil
}

// Clear removes every key in the namespace.
func (s *Store) Clear(_ context.Context) error {
	sh := s.shard()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.data, s.namespace)
	return nil
}

// MigrateNamespace reassigns every key of the current namespace to to. If
// to hashes to a different shard than the current namespace, both shards
// are locked (in a fixed order, by ascending shard address) for the duration, so a
// concurrent migration can never deadlock against this one.
func (s *Store) MigrateNamespace(_ context.Context, to key.Namespace) error {
	src := s.shared.shardFor(s.namespace)
	dst := s.shared.shardFor(to)
	if src == dst {
		src.mu.Lock()
		defer src.mu.Unlock()
	} else {
		first, second := src, dst
		if fmt.Sprintf("%p", second) < fmt.Sprintf("%p", first) {
			first, second = second, first
		}
		first.mu.Lock()
		defer first.mu.Unlock()
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	srcData, ok := src.data[s.namespace]
	if !ok || len(srcData) == 0 {
		return store.NamespaceMigration("source namespace %q is empty or absent", s.namespace)
	}
	if dstData, ok := dst.data[to]; ok && len(dstData) > 0 {
		return store.NamespaceMigration("target namespace %q already has entries", to)
	}
	delete(src.data, s.namespace)
	dst.data[to] = srcData
	return nil
}

// Transaction acquires a process-wide lock on scope (retrying against any
// overlapping in-flight transaction) and runs body with the outer store as
// inner. Per the design notes this backend does not buffer writes in a
// private overlay: a body that returns an error still leaves its partial
// writes visible.
func (s *Store) Transaction(ctx context.Context, scope key.Scope, body store.TxnFunc) error {
	start := time.Now()
	if err := s.acquire(scope); err != nil {
		return err
	}
	s.metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
	defer s.release(scope)

	return body(ctx, s)
}

func (s *Store) acquire(scope key.Scope) error {
	sh := s.shard()
	for attempt := 0; attempt < s.retries; attempt++ {
		sh.locksMu.Lock()
		overlapping := false
		for _, held := range sh.locks[s.namespace] {
			if held.Matches(scope) {
				overlapping = true
				break
			}
		}
		if !overlapping {
			sh.locks[s.namespace] = append(sh.locks[s.namespace], scope)
			sh.locksMu.Unlock()
			return nil
		}
		sh.locksMu.Unlock()
		s.metrics.LockRetries.Inc()
		s.log.Debug("scope %q locked, retrying (%d/%d)", scope.String(), attempt+1, s.retries)
		time.Sleep(s.delay)
	}
	return store.LockFailure(scope)
}

func (s *Store) release(scope key.Scope) {
	sh := s.shard()
	sh.locksMu.Lock()
	defer sh.locksMu.Unlock()
	held := sh.locks[s.namespace]
	for i, h := range held {
		if h.Equal(scope) {
			sh.locks[s.namespace] = append(held[:i], held[i+1:]...)
			return
		}
	}
}

var _ fmt.Stringer = (*Store)(nil)

// String identifies the backend and namespace, for diagnostics and log
// fields.
func (s *Store) String() string {
	return fmt.Sprintf("store.memory(%s)", s.namespace)
}

var _ store.Store = (*Store)(nil)
