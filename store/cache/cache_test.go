// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/example/kvstore/key"
	"github.com/example/kvstore/store"
	"github.com/example/kvstore/store/memory"
)

func newInner(t *testing.T) *memory.Store {
	t.Helper()
	ns, err := key.ParseNamespace("cache-test-" + t.Name())
	if err != nil {
		t.Fatalf("ParseNamespace: %v", err)
	}
	return memory.New(ns)
}

func mustKey(t *testing.T, s string) key.Key {
	t.Helper()
	k, err := key.ParseKey(s)
	if err != nil {
		t.Fatalf("ParseKey(%q): %v", s, err)
	}
	return k
}

func TestCacheGetPopulatesOnMiss(t *testing.T) {
	inner := newInner(t)
	s, err := New(inner, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	k := mustKey(t, "a")
	if err := inner.Store(ctx, k, json.RawMessage(`1`)); err != nil {
		t.Fatalf("Store: %v", err)
	}

	v, ok, err := s.Get(ctx, k)
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("first Get: v=%s ok=%v err=%v", v, ok, err)
	}

	if _, ok := s.cache.Get(k); !ok {
		t.Fatalf("expected key to be cached after read-through")
	}

	// Mutate the backend directly, bypassing the cache: a second Get should
	// still return the stale cached value since nothing invalidated it.
	if err := inner.Store(ctx, k, json.RawMessage(`2`)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	v, ok, err = s.Get(ctx, k)
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("expected stale cached value 1, got v=%s ok=%v err=%v", v, ok, err)
	}
}

func TestCacheStoreInvalidatesOnWrite(t *testing.T) {
	inner := newInner(t)
	s, err := New(inner, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	k := mustKey(t, "a")

	if err := s.Store(ctx, k, json.RawMessage(`1`)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Store(ctx, k, json.RawMessage(`2`)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	v, ok, err := s.Get(ctx, k)
	if err != nil || !ok || string(v) != "2" {
		t.Fatalf("expected refreshed value 2, got v=%s ok=%v err=%v", v, ok, err)
	}
}

func TestCacheDeletePurgesEntry(t *testing.T) {
	inner := newInner(t)
	s, err := New(inner, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	k := mustKey(t, "a")
	if err := s.Store(ctx, k, json.RawMessage(`1`)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Delete(ctx, k); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.cache.Get(k); ok {
		t.Fatalf("expected cache entry removed after Delete")
	}
	_, ok, err := s.Get(ctx, k)
	if err != nil || ok {
		t.Fatalf("expected key gone: ok=%v err=%v", ok, err)
	}
}

func TestCacheClearPurgesEverything(t *testing.T) {
	inner := newInner(t)
	s, err := New(inner, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for _, kv := range []string{"a", "b", "c"} {
		if err := s.Store(ctx, mustKey(t, kv), json.RawMessage(`1`)); err != nil {
			t.Fatalf("Store(%q): %v", kv, err)
		}
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.cache.Len() != 0 {
		t.Fatalf("expected cache empty after Clear, got %d entries", s.cache.Len())
	}
}

func TestCacheTransactionSharesCache(t *testing.T) {
	inner := newInner(t)
	s, err := New(inner, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	k := mustKey(t, "a")
	scope := key.GlobalScope()

	err = s.Transaction(ctx, scope, func(ctx context.Context, txn store.Store) error {
		return txn.Store(ctx, k, json.RawMessage(`9`))
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	v, ok, err := s.Get(ctx, k)
	if err != nil || !ok || string(v) != "9" {
		t.Fatalf("v=%s ok=%v err=%v", v, ok, err)
	}
}
