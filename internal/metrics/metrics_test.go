// Copyright 2022 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAndIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.LockRetries.Inc()
	s.LockRetries.Inc()
	if got := testutil.ToFloat64(s.LockRetries); got != 2 {
		t.Fatalf("got %v, want 2", got)
	}
}

func TestNewSharedRegistryDoesNotPanicOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = New(reg)
	// A second Store against the same registry must not panic even though
	// every metric name collides with the first registration.
	_ = New(reg)
}

func TestNoOpIsIndependentlyUsable(t *testing.T) {
	s := NoOp()
	s.QueueClaims.Inc()
	if got := testutil.ToFloat64(s.QueueClaims); got != 1 {
		t.Fatalf("got %v, want 1", got)
	}
}
