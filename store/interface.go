// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package store defines the backend-agnostic contract every storage
// implementation (disk, memory, relational) satisfies, along with the
// shared error taxonomy and transaction helpers layered on top of it.
package store

import (
	"context"
	"encoding/json"

	"github.com/example/kvstore/key"
)

// Reader groups the non-mutating operations. All are safe to call
// concurrently with each other and with an in-flight transaction on a
// non-overlapping scope.
type Reader interface {
	// IsEmpty reports whether the current namespace contains no entries.
	IsEmpty(ctx context.Context) (bool, error)

	// Has reports whether k exists in the current namespace.
	Has(ctx context.Context, k key.Key) (bool, error)

	// HasScope reports whether any stored key's scope starts with s.
	HasScope(ctx context.Context, s key.Scope) (bool, error)

	// Get returns the value stored under k. The second return value is
	// false if k is not present.
	Get(ctx context.Context, k key.Key) (json.RawMessage, bool, error)

	// ListKeys returns every key whose scope starts with s, in unspecified
	// order.
	ListKeys(ctx context.Context, s key.Scope) ([]key.Key, error)

	// ListScopes returns the set of all non-empty prefixes of scopes of
	// existing keys, deduplicated, in sorted order.
	ListScopes(ctx context.Context) ([]key.Scope, error)
}

// Writer groups the mutating operations.
type Writer interface {
	// Store creates or replaces the value at k.
	Store(ctx context.Context, k key.Key, value json.RawMessage) error

	// MoveValue moves the value at from to to. Fails with UnknownKeyErr if
	// from does not exist.
	MoveValue(ctx context.Context, from, to key.Key) error

	// MoveScope reassigns every key whose scope is exactly from to scope
	// to. Keys in strict sub-scopes of from are unaffected.
	MoveScope(ctx context.Context, from, to key.Scope) error

	// Delete removes k. Fails with UnknownKeyErr if missing.
	Delete(ctx context.Context, k key.Key) error

	// DeleteScope removes every key whose scope starts with s.
	DeleteScope(ctx context.Context, s key.Scope) error

	// Clear removes every key in the namespace.
	Clear(ctx context.Context) error

	// MigrateNamespace reassigns every key of the current namespace to to.
	// Fails if the current namespace is empty/absent, or if to already
	// contains entries.
	MigrateNamespace(ctx context.Context, to key.Namespace) error
}

// TxnFunc is the body of a transaction. It receives an inner Store whose
// reads observe the body's own pending writes.
type TxnFunc func(ctx context.Context, inner Store) error

// Store is the full backend contract: reads, writes, and a transaction
// primitive serialized by scope.
type Store interface {
	Reader
	Writer

	// Transaction runs body under a lock identified by scope. In the
	// relational backend, writes performed through the inner store are
	// committed atomically on a nil return from body and discarded
	// otherwise. The memory and disk backends apply each write directly as
	// body runs; writes made before body returns an error stay in place.
	Transaction(ctx context.Context, scope key.Scope, body TxnFunc) error
}

// Execute wraps a Transaction that produces a value. It is the Store
// equivalent of the "execute(scope, op) -> T" convenience described for the
// transaction primitive.
func Execute[T any](ctx context.Context, s Store, scope key.Scope, op func(ctx context.Context, inner Store) (T, error)) (T, error) {
	var result T
	err := s.Transaction(ctx, scope, func(ctx context.Context, inner Store) error {
		v, err := op(ctx, inner)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
