// Copyright 2022 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package metrics holds the Prometheus instrumentation shared by the store
// backends and the queue. New accepts an optional prometheus.Registerer;
// when none is supplied, metrics are recorded against a private registry so
// registration never collides across repeated test construction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Store collects the counters and histograms backends report against.
type Store struct {
	LockWaitSeconds     prometheus.Histogram
	LockRetries         prometheus.Counter
	TransactionRetries  prometheus.Counter
	TransactionFailures prometheus.Counter
	TempFilesWritten    prometheus.Counter
	QueueClaims         prometheus.Counter
	QueueReschedules    prometheus.Counter
}

// New builds a Store and registers its collectors against reg. If reg is
// nil, a private registry is used so callers that do not care about
// exporting metrics (e.g. tests constructing many backends) never hit a
// duplicate-registration panic.
func New(reg prometheus.Registerer) *Store {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Store{
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kv_store_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a scope lock before a transaction body runs.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		LockRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kv_store_lock_retries_total",
			Help: "Number of times a transaction had to retry acquiring its scope lock.",
		}),
		TransactionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kv_store_transaction_retries_total",
			Help: "Number of times a relational transaction was retried after a serialization failure.",
		}),
		TransactionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kv_store_transaction_failures_total",
			Help: "Number of transaction bodies that returned an error or exhausted their retry budget.",
		}),
		TempFilesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kv_store_disk_tempfiles_written_total",
			Help: "Number of staging files written to the disk backend's tmp directory.",
		}),
		QueueClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kv_queue_claims_total",
			Help: "Number of pending tasks successfully claimed.",
		}),
		QueueReschedules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kv_queue_reschedules_total",
			Help: "Number of running tasks moved back to pending, whether by caller request or timeout sweep.",
		}),
	}

	for _, c := range []prometheus.Collector{
		s.LockWaitSeconds, s.LockRetries, s.TransactionRetries,
		s.TransactionFailures, s.TempFilesWritten, s.QueueClaims, s.QueueReschedules,
	} {
		// Backends may share a registry across instances; ignore
		// AlreadyRegisteredErr so repeated New() calls against the same
		// non-nil registry don't panic.
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
		}
	}

	return s
}

// NoOp returns a Store whose collectors are never registered against any
// registry visible to callers, suitable for tests that don't care about
// metrics output.
func NoOp() *Store {
	return New(prometheus.NewRegistry())
}
