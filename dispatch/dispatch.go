// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package dispatch parses a backend URI and constructs the matching
// store.Store implementation, so callers need not import the disk, memory,
// or sql packages directly.
package dispatch

import (
	"context"
	"net/url"
	"strings"

	"github.com/example/kvstore/internal/logging"
	"github.com/example/kvstore/internal/metrics"
	"github.com/example/kvstore/key"
	"github.com/example/kvstore/store"
	"github.com/example/kvstore/store/disk"
	"github.com/example/kvstore/store/memory"
	sqlstore "github.com/example/kvstore/store/sql"
)

// Options configures every backend a dispatcher may construct.
type Options struct {
	Logger  logging.Logger
	Metrics *metrics.Store

	// MemoryLockRetries overrides the memory backend's lock-retry count.
	MemoryLockRetries int

	// EnsureSQLSchema runs the relational backend's CREATE TABLE IF NOT
	// EXISTS statement after connecting.
	EnsureSQLSchema bool
}

// New parses uri and returns the store it names, scoped to namespace.
//
//	local://<host><path>   disk backend rooted at <host><path>
//	memory://[<prefix>]    in-memory backend; host becomes a namespace prefix
//	postgres://…           relational backend; the full URI is passed through
//
// Unknown schemes fail with an UnknownSchemeErr-derived error.
func New(ctx context.Context, uri string, namespace key.Namespace, opts Options) (store.Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, store.Internal("cannot parse backend URI %q: %v", uri, err)
	}

	log := opts.Logger
	if log == nil {
		log = logging.NewNoOp()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NoOp()
	}

	switch u.Scheme {
	case "local":
		root := u.Host + u.Path
		diskOpts := []disk.Option{disk.WithLogger(log), disk.WithMetrics(m)}
		return disk.New(root, namespace, diskOpts...)

	case "memory":
		ns := namespace
		if u.Host != "" {
			prefixed, err := key.ParseNamespace(u.Host + "-" + namespace.String())
			if err != nil {
				return nil, store.WrapInvalidSegment(err)
			}
			ns = prefixed
		}
		memOpts := []memory.Option{memory.WithLogger(log), memory.WithMetrics(m)}
		if opts.MemoryLockRetries > 0 {
			memOpts = append(memOpts, memory.WithLockRetries(opts.MemoryLockRetries))
		}
		return memory.New(ns, memOpts...), nil

	case "postgres", "postgresql":
		s, err := sqlstore.Open(uri, namespace, sqlstore.WithLogger(log), sqlstore.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		if opts.EnsureSQLSchema {
			if err := s.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return s, nil

	default:
		return nil, store.UnknownScheme(u.Scheme)
	}
}

// Scheme returns the text of uri before its first "://", or "" if uri does
// not contain "://".
// Useful for callers that want to branch on backend kind without fully
// constructing it.
func Scheme(uri string) string {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return ""
	}
	return uri[:idx]
}
