// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package queue layers a durable pending/running/finished task state
// machine on top of any store.Store, using only the store's public
// contract. It has no knowledge of which backend it runs against.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/kvstore/internal/logging"
	"github.com/example/kvstore/internal/metrics"
	"github.com/example/kvstore/key"
	"github.com/example/kvstore/store"
)

// Separator joins the timestamp and task name within an encoded key name.
// Task names must not contain it; ScheduleTask rejects names that do, since
// the encoding would otherwise be ambiguous to decode.
const Separator = '-'

// Reserved top-level scopes within the namespace the queue is layered on.
var (
	PendingSegment  = key.MustParseSegment("pending")
	RunningSegment  = key.MustParseSegment("running")
	FinishedSegment = key.MustParseSegment("finished")
)

var (
	pendingScope  = key.ScopeFromSegment(PendingSegment)
	runningScope  = key.ScopeFromSegment(RunningSegment)
	finishedScope = key.ScopeFromSegment(FinishedSegment)
)

// DefaultRescheduleAfter is how long a running task may go unclaimed-finished
// before RescheduleLongRunningTasks moves it back to pending.
const DefaultRescheduleAfter = 15 * time.Minute

// DefaultRemoveAfter is how long a finished task record is retained before
// CleanUpFinishedTasks deletes it.
const DefaultRemoveAfter = 7 * 24 * time.Hour

// Mode controls schedule_task's behaviour when a task of the same name
// already exists. IfMissing and FinishOrReplaceExisting are the two modes
// named by the queue's operation contract; Reschedule and KeepBoth extend it
// for callers that want finer control over an existing pending entry.
type Mode int

const (
	// IfMissing leaves any existing pending or running entry untouched and
	// does not schedule the new task.
	IfMissing Mode = iota

	// FinishOrReplaceExisting deletes any existing pending and running
	// entry for the task name, then schedules the new task.
	FinishOrReplaceExisting

	// Reschedule moves an existing pending entry to the new timestamp,
	// keeping its original value and discarding the newly supplied one. If
	// no pending entry exists, it behaves like FinishOrReplaceExisting.
	Reschedule

	// KeepBoth stores the new task alongside any existing pending entry.
	// If the existing and new entries share the same name and timestamp,
	// the new one overwrites it.
	KeepBoth
)

// Task is a claimed (running) task returned by ClaimScheduledPendingTask.
type Task struct {
	// Key is the full running-scope key; pass it to FinishRunningTask or
	// RescheduleRunningTask.
	Key key.Key
	// Name is the task's name, as originally scheduled.
	Name key.Segment
	// ClaimedAt is the Unix-seconds timestamp at which the task was moved
	// from pending to running.
	ClaimedAt int64
	// Value is the task's payload.
	Value json.RawMessage
}

// Queue overlays pending/running/finished task state onto a store.Store.
type Queue struct {
	store store.Store
	log   logging.Logger
	m     *metrics.Store
	now   func() time.Time
}

// Option configures a Queue returned by New.
type Option func(*Queue)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics attaches a metrics.Store the queue reports claims and
// reschedules against.
func WithMetrics(m *metrics.Store) Option {
	return func(q *Queue) { q.m = m }
}

// withClock overrides the queue's notion of "now"; used by tests.
func withClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a Queue layered on s.
func New(s store.Store, opts ...Option) *Queue {
	q := &Queue{
		store: s,
		log:   logging.NewNoOp(),
		m:     metrics.NoOp(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) nowUnix() int64 { return q.now().Unix() }

func encodeName(ts int64, name key.Segment) (key.Segment, error) {
	if strings.ContainsRune(name.String(), Separator) {
		return "", store.Internal("task name %q must not contain %q", name, string(Separator))
	}
	return key.MustParseSegment(fmt.Sprintf("%d%c%s", ts, Separator, name)), nil
}

func decodeName(encoded key.Segment) (int64, key.Segment, error) {
	s := encoded.String()
	idx := strings.IndexRune(s, Separator)
	if idx < 0 {
		return 0, "", store.Internal("malformed task key %q: missing separator", s)
	}
	ts, err := strconv.ParseInt(s[:idx], 10, 64)
	if err != nil {
		return 0, "", store.Internal("malformed task key %q: bad timestamp: %v", s, err)
	}
	name, err := key.ParseSegment(s[idx+1:])
	if err != nil {
		return 0, "", store.WrapInvalidSegment(err)
	}
	return ts, name, nil
}

func taskKey(scope key.Scope, ts int64, name key.Segment) (key.Key, error) {
	encoded, err := encodeName(ts, name)
	if err != nil {
		return key.Key{}, err
	}
	return key.NewKey(scope, encoded), nil
}

// PendingTasksRemaining returns the number of pending tasks.
func (q *Queue) PendingTasksRemaining(ctx context.Context) (int, error) {
	return store.Execute(ctx, q.store, pendingScope, func(ctx context.Context, inner store.Store) (int, error) {
		keys, err := inner.ListKeys(ctx, pendingScope)
		if err != nil {
			return 0, err
		}
		return len(keys), nil
	})
}

// RunningTasksRemaining returns the number of running tasks.
func (q *Queue) RunningTasksRemaining(ctx context.Context) (int, error) {
	return store.Execute(ctx, q.store, runningScope, func(ctx context.Context, inner store.Store) (int, error) {
		keys, err := inner.ListKeys(ctx, runningScope)
		if err != nil {
			return 0, err
		}
		return len(keys), nil
	})
}

// RunningTasksKeys returns the keys of every currently running task.
func (q *Queue) RunningTasksKeys(ctx context.Context) ([]key.Key, error) {
	return store.Execute(ctx, q.store, runningScope, func(ctx context.Context, inner store.Store) ([]key.Key, error) {
		return inner.ListKeys(ctx, runningScope)
	})
}

type pendingEntry struct {
	key key.Key
	ts  int64
}

func findPending(ctx context.Context, inner store.Store, name key.Segment) (*pendingEntry, error) {
	keys, err := inner.ListKeys(ctx, pendingScope)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		ts, n, err := decodeName(k.Name)
		if err != nil {
			continue
		}
		if n == name {
			return &pendingEntry{key: k, ts: ts}, nil
		}
	}
	return nil, nil
}

func findRunning(ctx context.Context, inner store.Store, name key.Segment) (*key.Key, error) {
	keys, err := inner.ListKeys(ctx, runningScope)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		_, n, err := decodeName(k.Name)
		if err != nil {
			continue
		}
		if n == name {
			k := k
			return &k, nil
		}
	}
	return nil, nil
}

// ScheduleTask schedules name to run at timestamp (defaulting to now),
// applying mode's policy if a pending or running entry for name already
// exists.
func (q *Queue) ScheduleTask(ctx context.Context, name key.Segment, value json.RawMessage, timestamp *int64, mode Mode) error {
	ts := q.nowUnix()
	if timestamp != nil {
		ts = *timestamp
	}
	newKey, err := taskKey(pendingScope, ts, name)
	if err != nil {
		return err
	}

	return q.store.Transaction(ctx, key.GlobalScope(), func(ctx context.Context, inner store.Store) error {
		existingPending, err := findPending(ctx, inner, name)
		if err != nil {
			return err
		}
		existingRunning, err := findRunning(ctx, inner, name)
		if err != nil {
			return err
		}

		if existingPending == nil && existingRunning == nil {
			return inner.Store(ctx, newKey, value)
		}

		switch mode {
		case IfMissing:
			return nil
		case FinishOrReplaceExisting:
			if existingPending != nil {
				if err := inner.Delete(ctx, existingPending.key); err != nil {
					return err
				}
			}
			if existingRunning != nil {
				if err := inner.Delete(ctx, *existingRunning); err != nil {
					return err
				}
			}
			return inner.Store(ctx, newKey, value)
		case Reschedule:
			if existingPending != nil {
				return inner.MoveValue(ctx, existingPending.key, newKey)
			}
			if existingRunning != nil {
				if err := inner.Delete(ctx, *existingRunning); err != nil {
					return err
				}
			}
			return inner.Store(ctx, newKey, value)
		case KeepBoth:
			return inner.Store(ctx, newKey, value)
		default:
			return store.Internal("unknown schedule mode %d", mode)
		}
	})
}

// PendingTaskScheduled returns the timestamp of the pending entry for name,
// if any.
func (q *Queue) PendingTaskScheduled(ctx context.Context, name key.Segment) (*int64, error) {
	return store.Execute(ctx, q.store, pendingScope, func(ctx context.Context, inner store.Store) (*int64, error) {
		entry, err := findPending(ctx, inner, name)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}
		ts := entry.ts
		return &ts, nil
	})
}

// ClaimScheduledPendingTask atomically moves the due pending task with the
// smallest timestamp into the running scope and returns it. It returns a
// nil Task if no pending task is currently due.
func (q *Queue) ClaimScheduledPendingTask(ctx context.Context) (*Task, error) {
	task, err := store.Execute(ctx, q.store, key.GlobalScope(), func(ctx context.Context, inner store.Store) (*Task, error) {
		now := q.nowUnix()
		keys, err := inner.ListKeys(ctx, pendingScope)
		if err != nil {
			return nil, err
		}

		var best *pendingEntry
		var bestName key.Segment
		for _, k := range keys {
			ts, name, derr := decodeName(k.Name)
			if derr != nil {
				continue
			}
			if ts > now {
				continue
			}
			if best == nil || ts < best.ts {
				best = &pendingEntry{key: k, ts: ts}
				bestName = name
			}
		}
		if best == nil {
			return nil, nil
		}

		value, ok, err := inner.Get(ctx, best.key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		runningKey, err := taskKey(runningScope, now, bestName)
		if err != nil {
			return nil, err
		}
		if err := inner.MoveValue(ctx, best.key, runningKey); err != nil {
			return nil, err
		}

		return &Task{Key: runningKey, Name: bestName, ClaimedAt: now, Value: value}, nil
	})
	if err == nil && task != nil {
		q.m.QueueClaims.Inc()
	}
	return task, err
}

// FinishRunningTask moves the running entry at runningKey into the finished
// scope, where CleanUpFinishedTasks later removes it. It fails with
// an UnknownKeyErr-derived error if runningKey is not present in the
// running scope.
func (q *Queue) FinishRunningTask(ctx context.Context, runningKey key.Key) error {
	return q.store.Transaction(ctx, key.GlobalScope(), func(ctx context.Context, inner store.Store) error {
		if !runningKey.Scope.Equal(runningScope) {
			return store.Internal("key %q is not a running task key", runningKey.String())
		}
		ok, err := inner.Has(ctx, runningKey)
		if err != nil {
			return err
		}
		if !ok {
			return store.UnknownKey(runningKey)
		}

		_, name, err := decodeName(runningKey.Name)
		if err != nil {
			return err
		}
		finishedKey, err := taskKey(finishedScope, q.nowUnix(), name)
		if err != nil {
			return err
		}
		return inner.MoveValue(ctx, runningKey, finishedKey)
	})
}

// RescheduleRunningTask moves a running entry back to pending under
// timestamp (defaulting to now).
func (q *Queue) RescheduleRunningTask(ctx context.Context, runningKey key.Key, timestamp *int64) error {
	ts := q.nowUnix()
	if timestamp != nil {
		ts = *timestamp
	}
	return q.store.Transaction(ctx, key.GlobalScope(), func(ctx context.Context, inner store.Store) error {
		_, name, err := decodeName(runningKey.Name)
		if err != nil {
			return err
		}
		pendingKey, err := taskKey(pendingScope, ts, name)
		if err != nil {
			return err
		}
		if err := inner.MoveValue(ctx, runningKey, pendingKey); err != nil {
			return err
		}
		q.m.QueueReschedules.Inc()
		return nil
	})
}

// RescheduleLongRunningTasks moves every running entry claimed at least
// rescheduleAfter ago (defaulting to DefaultRescheduleAfter) back to
// pending. Conflicts, e.g. a pending entry of the same name already
// existing, are silently ignored for any individual task so the sweep keeps
// progressing.
func (q *Queue) RescheduleLongRunningTasks(ctx context.Context, rescheduleAfter *time.Duration) error {
	after := DefaultRescheduleAfter
	if rescheduleAfter != nil {
		after = *rescheduleAfter
	}
	now := q.nowUnix()
	cutoff := now - int64(after.Seconds())

	return q.store.Transaction(ctx, key.GlobalScope(), func(ctx context.Context, inner store.Store) error {
		keys, err := inner.ListKeys(ctx, runningScope)
		if err != nil {
			return err
		}
		for _, k := range keys {
			ts, name, derr := decodeName(k.Name)
			if derr != nil {
				continue
			}
			if ts > cutoff {
				continue
			}
			newKey, err := taskKey(pendingScope, now, name)
			if err != nil {
				continue
			}
			if err := inner.MoveValue(ctx, k, newKey); err != nil {
				q.log.Debug("ignoring conflict rescheduling task %q: %v", name, err)
				continue
			}
			q.m.QueueReschedules.Inc()
		}
		return nil
	})
}

// CleanUpFinishedTasks removes finished-task records older than removeAfter
// (defaulting to DefaultRemoveAfter). This is a supplement to the core
// state machine: finished records exist purely for auditing and are safe to
// drop once they age out.
func (q *Queue) CleanUpFinishedTasks(ctx context.Context, removeAfter *time.Duration) error {
	after := DefaultRemoveAfter
	if removeAfter != nil {
		after = *removeAfter
	}
	now := q.nowUnix()
	cutoff := now - int64(after.Seconds())

	return q.store.Transaction(ctx, key.GlobalScope(), func(ctx context.Context, inner store.Store) error {
		keys, err := inner.ListKeys(ctx, finishedScope)
		if err != nil {
			return err
		}
		for _, k := range keys {
			ts, _, derr := decodeName(k.Name)
			if derr != nil {
				continue
			}
			if ts > cutoff {
				continue
			}
			if err := inner.Delete(ctx, k); err != nil {
				q.log.Debug("ignoring error cleaning up finished task %q: %v", k.String(), err)
			}
		}
		return nil
	})
}
