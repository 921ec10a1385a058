// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/example/kvstore/key"
	"github.com/example/kvstore/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ns, err := key.ParseNamespace("ns")
	if err != nil {
		t.Fatalf("ParseNamespace: %v", err)
	}
	s, err := New(t.TempDir(), ns)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func mustKey(t *testing.T, s string) key.Key {
	t.Helper()
	k, err := key.ParseKey(s)
	if err != nil {
		t.Fatalf("ParseKey(%q): %v", s, err)
	}
	return k
}

func mustScope(t *testing.T, s string) key.Scope {
	t.Helper()
	sc, err := key.ParseScope(s)
	if err != nil {
		t.Fatalf("ParseScope(%q): %v", s, err)
	}
	return sc
}

func TestDiskStoreGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := mustKey(t, "a/b/c")

	empty, err := s.IsEmpty(ctx)
	if err != nil || !empty {
		t.Fatalf("expected empty namespace: empty=%v err=%v", empty, err)
	}

	if err := s.Store(ctx, k, json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	v, ok, err := s.Get(ctx, k)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(v, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["x"] != 1 {
		t.Fatalf("got %v", decoded)
	}

	empty, err = s.IsEmpty(ctx)
	if err != nil || empty {
		t.Fatalf("expected non-empty namespace: empty=%v err=%v", empty, err)
	}
}

func TestDiskGetMissingKey(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), mustKey(t, "missing"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}

func TestDiskListKeysAndScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, kv := range []string{"a/b/x", "a/b/y", "a/z", "c/w"} {
		if err := s.Store(ctx, mustKey(t, kv), json.RawMessage(`1`)); err != nil {
			t.Fatalf("Store(%q): %v", kv, err)
		}
	}

	keys, err := s.ListKeys(ctx, mustScope(t, "a/b"))
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys under a/b, want 2: %v", len(keys), keys)
	}

	scopes, err := s.ListScopes(ctx)
	if err != nil {
		t.Fatalf("ListScopes: %v", err)
	}
	var got []string
	for _, sc := range scopes {
		got = append(got, sc.String())
	}
	want := []string{"a", "a/b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %d scopes, want %d (%v): %v", len(got), len(want), want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scopes not sorted: got %v, want %v", got, want)
		}
	}
}

func TestDiskDeleteScopeCleansEmptyDirs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, mustKey(t, "a/b/x"), json.RawMessage(`1`)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.DeleteScope(ctx, mustScope(t, "a/b")); err != nil {
		t.Fatalf("DeleteScope: %v", err)
	}
	hasScope, err := s.HasScope(ctx, mustScope(t, "a"))
	if err != nil {
		t.Fatalf("HasScope: %v", err)
	}
	if hasScope {
		t.Fatalf("expected empty ancestor %q to be removed", "a")
	}
}

func TestDiskMoveValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	from := mustKey(t, "a/x")
	to := mustKey(t, "b/y")

	if err := s.Store(ctx, from, json.RawMessage(`7`)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.MoveValue(ctx, from, to); err != nil {
		t.Fatalf("MoveValue: %v", err)
	}
	if ok, _ := s.Has(ctx, from); ok {
		t.Fatalf("expected source key gone")
	}
	v, ok, err := s.Get(ctx, to)
	if err != nil || !ok {
		t.Fatalf("Get(to): ok=%v err=%v", ok, err)
	}
	if string(v) != "7" {
		t.Fatalf("got %s want 7", v)
	}
}

func TestDiskMoveValueUnknownKey(t *testing.T) {
	s := newTestStore(t)
	err := s.MoveValue(context.Background(), mustKey(t, "missing"), mustKey(t, "dest"))
	if !store.IsUnknownKey(err) {
		t.Fatalf("expected UnknownKeyErr, got %v", err)
	}
}

func TestDiskMigrateNamespace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Store(ctx, mustKey(t, "a"), json.RawMessage(`1`)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	dst, err := key.ParseNamespace("ns2")
	if err != nil {
		t.Fatalf("ParseNamespace: %v", err)
	}
	if err := s.MigrateNamespace(ctx, dst); err != nil {
		t.Fatalf("MigrateNamespace: %v", err)
	}
	ok, err := s.Has(ctx, mustKey(t, "a"))
	if err != nil || !ok {
		t.Fatalf("expected key present under migrated namespace: ok=%v err=%v", ok, err)
	}
}

// TestDiskTransactionSerializesOverlappingScopes exercises the lockfile
// path under concurrent writers to the same scope.
func TestDiskTransactionSerializesOverlappingScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	counterKey := mustKey(t, "counter")
	if err := s.Store(ctx, counterKey, json.RawMessage(`0`)); err != nil {
		t.Fatalf("seed Store: %v", err)
	}

	const n = 5
	scope := mustScope(t, "counter-scope")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return s.Transaction(gctx, scope, func(ctx context.Context, inner store.Store) error {
				v, ok, err := inner.Get(ctx, counterKey)
				if err != nil || !ok {
					return fmt.Errorf("get counter: ok=%v err=%v", ok, err)
				}
				var cur int
				if err := json.Unmarshal(v, &cur); err != nil {
					return err
				}
				next, err := json.Marshal(cur + 1)
				if err != nil {
					return err
				}
				return inner.Store(ctx, counterKey, next)
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("transaction group failed: %v", err)
	}

	v, _, err := s.Get(ctx, counterKey)
	if err != nil {
		t.Fatalf("final Get: %v", err)
	}
	var final int
	if err := json.Unmarshal(v, &final); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if final != n {
		t.Fatalf("got final counter %d, want %d", final, n)
	}
}
