// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package sql implements the relational store backend. A single shared
// table holds every namespace's entries; scopes are stored as native text
// arrays so prefix predicates become array-slice comparisons. Transactions
// run at SERIALIZABLE isolation and retry on conflict.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/example/kvstore/internal/logging"
	"github.com/example/kvstore/internal/metrics"
	"github.com/example/kvstore/key"
	"github.com/example/kvstore/store"
)

// Schema is the DDL for the shared store table. Callers that want the
// backend to manage its own schema can run this via EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS store (
	namespace TEXT NOT NULL,
	scope     TEXT[] NOT NULL,
	key       TEXT NOT NULL,
	value     JSONB NOT NULL,
	PRIMARY KEY (namespace, scope, key)
)`

// MaxSerializationRetries is the number of times a transaction body is
// retried after a SERIALIZABLE conflict before the error is surfaced.
const MaxSerializationRetries = 10

// serializationFailureCode is the Postgres SQLSTATE for a SERIALIZABLE
// isolation conflict detected at commit.
const serializationFailureCode = "40001"

// queryer is satisfied by both *sql.DB and *sql.Tx, letting Store's read
// methods run unmodified whether or not they're inside a transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store is a namespace-scoped view onto a Postgres database.
type Store struct {
	db        *sql.DB
	q         queryer
	namespace key.Namespace
	log       logging.Logger
	metrics   *metrics.Store
}

// Option configures a Store returned by Open or New.
type Option func(*Store)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics attaches a metrics.Store the backend reports transaction
// retries against.
func WithMetrics(m *metrics.Store) Option {
	return func(s *Store) { s.metrics = m }
}

// Open connects to dsn using the lib/pq driver and returns a Store scoped to
// namespace.
func Open(dsn string, namespace key.Namespace, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, store.BackendDriver(err, "cannot open postgres connection")
	}
	return New(db, namespace, opts...), nil
}

// New wraps an already-open *sql.DB.
func New(db *sql.DB, namespace key.Namespace, opts ...Option) *Store {
	s := &Store{
		db:        db,
		namespace: namespace,
		log:       logging.NewNoOp(),
		metrics:   metrics.NoOp(),
	}
	s.q = db
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the store table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return store.BackendDriver(err, "cannot create store schema")
	}
	return nil
}

func scopeArray(sc key.Scope) pq.StringArray {
	out := make(pq.StringArray, len(sc))
	for i, seg := range sc {
		out[i] = seg.String()
	}
	return out
}

func scopeFromArray(a []string) (key.Scope, error) {
	sc := make(key.Scope, 0, len(a))
	for _, s := range a {
		seg, err := key.ParseSegment(s)
		if err != nil {
			return nil, store.WrapInvalidSegment(err)
		}
		sc = append(sc, seg)
	}
	return sc, nil
}

// IsEmpty reports whether the namespace has any rows in the shared table.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("1").From("store").Where(sb.Equal("namespace", s.namespace.String())).Limit(1)
	query, args := sb.Build()
	row := s.q.QueryRowContext(ctx, query, args...)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, store.BackendDriver(err, "is_empty query failed")
	}
	return false, nil
}

// Has reports whether k exists.
func (s *Store) Has(ctx context.Context, k key.Key) (bool, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("1").From("store").Where(
		sb.Equal("namespace", s.namespace.String()),
		sb.Equal("scope", scopeArray(k.Scope)),
		sb.Equal("key", k.Name.String()),
	).Limit(1)
	query, args := sb.Build()
	row := s.q.QueryRowContext(ctx, query, args...)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, store.BackendDriver(err, "has query failed")
	}
	return true, nil
}

// HasScope reports whether any row's scope starts with sc.
func (s *Store) HasScope(ctx context.Context, sc key.Scope) (bool, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("1").From("store").Where(
		sb.Equal("namespace", s.namespace.String()),
		sb.Var(sqlbuilder.Build("scope[1:$?] = $?", len(sc), scopeArray(sc))),
	).Limit(1)
	query, args := sb.Build()
	row := s.q.QueryRowContext(ctx, query, args...)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, store.BackendDriver(err, "has_scope query failed")
	}
	return true, nil
}

// Get returns the value stored under k.
func (s *Store) Get(ctx context.Context, k key.Key) (json.RawMessage, bool, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("value").From("store").Where(
		sb.Equal("namespace", s.namespace.String()),
		sb.Equal("scope", scopeArray(k.Scope)),
		sb.Equal("key", k.Name.String()),
	)
	query, args := sb.Build()
	row := s.q.QueryRowContext(ctx, query, args...)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, store.BackendDriver(err, "get query failed")
	}
	return json.RawMessage(value), true, nil
}

// ListKeys returns every key whose scope starts with sc.
func (s *Store) ListKeys(ctx context.Context, sc key.Scope) ([]key.Key, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("scope", "key").From("store").Where(
		sb.Equal("namespace", s.namespace.String()),
		sb.Var(sqlbuilder.Build("scope[1:$?] = $?", len(sc), scopeArray(sc))),
	)
	query, args := sb.Build()
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.BackendDriver(err, "list_keys query failed")
	}
	defer rows.Close()

	var out []key.Key
	for rows.Next() {
		var rawScope pq.StringArray
		var name string
		if err := rows.Scan(&rawScope, &name); err != nil {
			return nil, store.BackendDriver(err, "list_keys scan failed")
		}
		scope, err := scopeFromArray(rawScope)
		if err != nil {
			return nil, err
		}
		seg, err := key.ParseSegment(name)
		if err != nil {
			return nil, store.WrapInvalidSegment(err)
		}
		out = append(out, key.NewKey(scope, seg))
	}
	return out, rows.Err()
}

// ListScopes returns the sorted, deduplicated set of non-empty prefixes of
// every distinct stored scope.
func (s *Store) ListScopes(ctx context.Context) ([]key.Scope, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("DISTINCT scope").From("store").Where(sb.Equal("namespace", s.namespace.String()))
	query, args := sb.Build()
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.BackendDriver(err, "list_scopes query failed")
	}
	defer rows.Close()

	seen := map[string]key.Scope{}
	for rows.Next() {
		var rawScope pq.StringArray
		if err := rows.Scan(&rawScope); err != nil {
			return nil, store.BackendDriver(err, "list_scopes scan failed")
		}
		scope, err := scopeFromArray(rawScope)
		if err != nil {
			return nil, err
		}
		for _, sub := range scope.SubScopes() {
			seen[sub.String()] = sub
		}
	}
	if err := rows.Err(); err != nil {
		return nil, store.BackendDriver(err, "list_scopes row iteration failed")
	}

	out := make([]key.Scope, 0, len(seen))
	for _, sc := range seen {
		out = append(out, sc)
	}
	sortScopes(out)
	return out, nil
}

func sortScopes(scopes []key.Scope) {
	for i := 1; i < len(scopes); i++ {
		for j := i; j > 0 && scopes[j].Compare(scopes[j-1]) < 0; j-- {
			scopes[j], scopes[j-1] = scopes[j-1], scopes[j]
		}
	}
}

// Store inserts or replaces the value at k. value is passed as a string, not
// []byte: lib/pq always types a []byte parameter as bytea, which Postgres
// will not implicitly cast to jsonb, whereas a string parameter is left
// untyped and takes the column's type from context.
func (s *Store) Store(ctx context.Context, k key.Key, value json.RawMessage) error {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("store").Cols("namespace", "scope", "key", "value").
		Values(s.namespace.String(), scopeArray(k.Scope), k.Name.String(), string(value))
	query, args := ib.Build()
	query += " ON CONFLICT (namespace, scope, key) DO UPDATE SET value = EXCLUDED.value"
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return store.BackendDriver(err, "store failed for key %q", k.String())
	}
	return nil
}

// MoveValue reassigns the row at from to key to.
func (s *Store) MoveValue(ctx context.Context, from, to key.Key) error {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("store").Set(
		ub.Assign("scope", scopeArray(to.Scope)),
		ub.Assign("key", to.Name.String()),
	).Where(
		ub.Equal("namespace", s.namespace.String()),
		ub.Equal("scope", scopeArray(from.Scope)),
		ub.Equal("key", from.Name.String()),
	)
	query, args := ub.Build()
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return store.BackendDriver(err, "move_value failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.BackendDriver(err, "move_value rows affected failed")
	}
	if n == 0 {
		return store.UnknownKey(from)
	}
	return nil
}

// MoveScope reassigns every row whose scope is exactly from to scope to.
func (s *Store) MoveScope(ctx context.Context, from, to key.Scope) error {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("store").Set(ub.Assign("scope", scopeArray(to))).Where(
		ub.Equal("namespace", s.namespace.String()),
		ub.Equal("scope", scopeArray(from)),
	)
	query, args := ub.Build()
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return store.BackendDriver(err, "move_scope failed")
	}
	return nil
}

// Delete removes the row at k.
func (s *Store) Delete(ctx context.Context, k key.Key) error {
	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("store").Where(
		db.Equal("namespace", s.namespace.String()),
		db.Equal("scope", scopeArray(k.Scope)),
		db.Equal("key", k.Name.String()),
	)
	query, args := db.Build()
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return store.BackendDriver(err, "delete failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.BackendDriver(err, "delete rows affected failed")
	}
	if n == 0 {
		return store.UnknownKey(k)
	}
	return nil
}

// DeleteScope removes every row whose scope is exactly sc (spec's exact-
// match rule for the relational backend).
func (s *Store) DeleteScope(ctx context.Context, sc key.Scope) error {
	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("store").Where(
		db.Equal("namespace", s.namespace.String()),
		db.Equal("scope", scopeArray(sc)),
	)
	query, args := db.Build()
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return store.BackendDriver(err, "delete_scope failed")
	}
	return nil
}

// Clear removes every row for the namespace.
func (s *Store) Clear(ctx context.Context) error {
	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom("store").Where(db.Equal("namespace", s.namespace.String()))
	query, args := db.Build()
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return store.BackendDriver(err, "clear failed")
	}
	return nil
}

// MigrateNamespace reassigns every row from the current namespace to to. The
// precondition checks and the UPDATE all run inside one SERIALIZABLE
// transaction, so a concurrent writer cannot insert rows into to between the
// target-empty check and the UPDATE.
func (s *Store) MigrateNamespace(ctx context.Context, to key.Namespace) error {
	err := s.Transaction(ctx, key.GlobalScope(), func(ctx context.Context, inner store.Store) error {
		innerSQL := inner.(*Store)

		empty, err := innerSQL.IsEmpty(ctx)
		if err != nil {
			return err
		}
		if empty {
			return store.NamespaceMigration("source namespace %q not found", innerSQL.namespace)
		}

		target := &Store{db: innerSQL.db, q: innerSQL.q, namespace: to, log: innerSQL.log, metrics: innerSQL.metrics}
		targetEmpty, err := target.IsEmpty(ctx)
		if err != nil {
			return err
		}
		if !targetEmpty {
			return store.NamespaceMigration("target namespace %q already exists", to)
		}

		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update("store").Set(ub.Assign("namespace", to.String())).Where(ub.Equal("namespace", innerSQL.namespace.String()))
		query, args := ub.Build()
		if _, err := innerSQL.q.ExecContext(ctx, query, args...); err != nil {
			return store.BackendDriver(err, "migrate_namespace update failed")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.namespace = to
	return nil
}

// Transaction runs body at SERIALIZABLE isolation, retrying the whole body
// up to MaxSerializationRetries times on a 40001 conflict.
func (s *Store) Transaction(ctx context.Context, scope key.Scope, body store.TxnFunc) error {
	var lastErr error
	for attempt := 0; attempt <= MaxSerializationRetries; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return store.BackendDriver(err, "cannot begin transaction")
		}

		inner := &Store{db: s.db, q: tx, namespace: s.namespace, log: s.log, metrics: s.metrics}
		bodyErr := body(ctx, inner)
		if bodyErr != nil {
			_ = tx.Rollback()
			if isSerializationFailure(bodyErr) && attempt < MaxSerializationRetries {
				s.metrics.TransactionRetries.Inc()
				lastErr = bodyErr
				continue
			}
			s.metrics.TransactionFailures.Inc()
			return bodyErr
		}

		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) && attempt < MaxSerializationRetries {
				s.metrics.TransactionRetries.Inc()
				lastErr = err
				continue
			}
			s.metrics.TransactionFailures.Inc()
			return store.BackendDriver(err, "commit failed")
		}
		return nil
	}
	return store.BackendDriver(lastErr, "transaction exhausted retries for scope %q", scope.String())
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == serializationFailureCode
	}
	return false
}

var _ store.Store = (*Store)(nil)
