// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/kvstore/key"
	"github.com/example/kvstore/store"
	"github.com/example/kvstore/store/memory"
)

func newTestQueue(t *testing.T, clock func() time.Time) (*Queue, *memory.Store) {
	t.Helper()
	ns, err := key.ParseNamespace("queue-" + t.Name())
	if err != nil {
		t.Fatalf("ParseNamespace: %v", err)
	}
	s := memory.New(ns)
	opts := []Option{}
	if clock != nil {
		opts = append(opts, withClock(clock))
	}
	return New(s, opts...), s
}

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func mustSegment(t *testing.T, s string) key.Segment {
	t.Helper()
	seg, err := key.ParseSegment(s)
	if err != nil {
		t.Fatalf("ParseSegment(%q): %v", s, err)
	}
	return seg
}

func TestScheduleAndClaim(t *testing.T) {
	q, _ := newTestQueue(t, fixedClock(100))
	ctx := context.Background()
	name := mustSegment(t, "job1")

	if err := q.ScheduleTask(ctx, name, json.RawMessage(`{"n":1}`), nil, IfMissing); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	n, err := q.PendingTasksRemaining(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PendingTasksRemaining: n=%d err=%v", n, err)
	}

	task, err := q.ClaimScheduledPendingTask(ctx)
	if err != nil {
		t.Fatalf("ClaimScheduledPendingTask: %v", err)
	}
	if task == nil {
		t.Fatalf("expected a claimed task")
	}
	if task.Name != name {
		t.Fatalf("got name %q want %q", task.Name, name)
	}
	if string(task.Value) != `{"n":1}` {
		t.Fatalf("got value %s", task.Value)
	}

	n, err = q.PendingTasksRemaining(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected 0 pending after claim: n=%d err=%v", n, err)
	}
	n, err = q.RunningTasksRemaining(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 running after claim: n=%d err=%v", n, err)
	}
}

func TestClaimSkipsNotYetDue(t *testing.T) {
	q, _ := newTestQueue(t, fixedClock(100))
	ctx := context.Background()
	future := int64(200)
	if err := q.ScheduleTask(ctx, mustSegment(t, "later"), json.RawMessage(`1`), &future, IfMissing); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	task, err := q.ClaimScheduledPendingTask(ctx)
	if err != nil {
		t.Fatalf("ClaimScheduledPendingTask: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no claimable task, got %+v", task)
	}
}

func TestScheduleIfMissingLeavesExistingUntouched(t *testing.T) {
	q, _ := newTestQueue(t, fixedClock(100))
	ctx := context.Background()
	name := mustSegment(t, "job1")

	if err := q.ScheduleTask(ctx, name, json.RawMessage(`1`), nil, IfMissing); err != nil {
		t.Fatalf("first ScheduleTask: %v", err)
	}
	if err := q.ScheduleTask(ctx, name, json.RawMessage(`2`), nil, IfMissing); err != nil {
		t.Fatalf("second ScheduleTask: %v", err)
	}

	ts, err := q.PendingTaskScheduled(ctx, name)
	if err != nil || ts == nil {
		t.Fatalf("PendingTaskScheduled: ts=%v err=%v", ts, err)
	}

	task, err := q.ClaimScheduledPendingTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("ClaimScheduledPendingTask: task=%v err=%v", task, err)
	}
	if string(task.Value) != "1" {
		t.Fatalf("expected original value 1 retained, got %s", task.Value)
	}
}

func TestScheduleFinishOrReplaceExisting(t *testing.T) {
	q, _ := newTestQueue(t, fixedClock(100))
	ctx := context.Background()
	name := mustSegment(t, "job1")

	if err := q.ScheduleTask(ctx, name, json.RawMessage(`1`), nil, IfMissing); err != nil {
		t.Fatalf("first ScheduleTask: %v", err)
	}
	if err := q.ScheduleTask(ctx, name, json.RawMessage(`2`), nil, FinishOrReplaceExisting); err != nil {
		t.Fatalf("replace ScheduleTask: %v", err)
	}

	n, err := q.PendingTasksRemaining(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected exactly one pending entry: n=%d err=%v", n, err)
	}
	task, err := q.ClaimScheduledPendingTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("ClaimScheduledPendingTask: task=%v err=%v", task, err)
	}
	if string(task.Value) != "2" {
		t.Fatalf("expected replaced value 2, got %s", task.Value)
	}
}

func TestFinishRunningTaskMovesToFinishedScope(t *testing.T) {
	q, _ := newTestQueue(t, fixedClock(100))
	ctx := context.Background()
	name := mustSegment(t, "job1")

	if err := q.ScheduleTask(ctx, name, json.RawMessage(`1`), nil, IfMissing); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	task, err := q.ClaimScheduledPendingTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("ClaimScheduledPendingTask: task=%v err=%v", task, err)
	}

	if err := q.FinishRunningTask(ctx, task.Key); err != nil {
		t.Fatalf("FinishRunningTask: %v", err)
	}

	running, err := q.RunningTasksRemaining(ctx)
	if err != nil || running != 0 {
		t.Fatalf("expected 0 running after finish: n=%d err=%v", running, err)
	}
	finished, err := q.store.ListKeys(ctx, finishedScope)
	if err != nil || len(finished) != 1 {
		t.Fatalf("expected 1 finished record after finish: keys=%v err=%v", finished, err)
	}

	after := time.Duration(0)
	if err := q.CleanUpFinishedTasks(ctx, &after); err != nil {
		t.Fatalf("CleanUpFinishedTasks: %v", err)
	}
	finished, err = q.store.ListKeys(ctx, finishedScope)
	if err != nil || len(finished) != 0 {
		t.Fatalf("expected finished records removed by cleanup: keys=%v err=%v", finished, err)
	}
}

func TestFinishRunningTaskUnknownKey(t *testing.T) {
	q, _ := newTestQueue(t, fixedClock(100))
	bogus := key.NewKey(runningScope, mustSegment(t, "100-nonexistent"))
	err := q.FinishRunningTask(context.Background(), bogus)
	if !store.IsUnknownKey(err) {
		t.Fatalf("expected UnknownKeyErr, got %v", err)
	}
}

func TestRescheduleRunningTask(t *testing.T) {
	q, _ := newTestQueue(t, fixedClock(100))
	ctx := context.Background()
	name := mustSegment(t, "job1")

	if err := q.ScheduleTask(ctx, name, json.RawMessage(`1`), nil, IfMissing); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	task, err := q.ClaimScheduledPendingTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("ClaimScheduledPendingTask: task=%v err=%v", task, err)
	}

	future := int64(500)
	if err := q.RescheduleRunningTask(ctx, task.Key, &future); err != nil {
		t.Fatalf("RescheduleRunningTask: %v", err)
	}

	ts, err := q.PendingTaskScheduled(ctx, name)
	if err != nil || ts == nil || *ts != future {
		t.Fatalf("PendingTaskScheduled: ts=%v err=%v", ts, err)
	}
}

func TestRescheduleLongRunningTasks(t *testing.T) {
	now := int64(1000)
	q, _ := newTestQueue(t, fixedClock(now))
	ctx := context.Background()
	name := mustSegment(t, "stuck")

	stale := now - int64(DefaultRescheduleAfter.Seconds()) - 10
	staleKey, err := taskKey(runningScope, stale, name)
	if err != nil {
		t.Fatalf("taskKey: %v", err)
	}
	if err := q.store.Store(ctx, staleKey, json.RawMessage(`1`)); err != nil {
		t.Fatalf("seed Store: %v", err)
	}

	if err := q.RescheduleLongRunningTasks(ctx, nil); err != nil {
		t.Fatalf("RescheduleLongRunningTasks: %v", err)
	}

	running, err := q.RunningTasksRemaining(ctx)
	if err != nil || running != 0 {
		t.Fatalf("expected running task moved away: n=%d err=%v", running, err)
	}
	pending, err := q.PendingTasksRemaining(ctx)
	if err != nil || pending != 1 {
		t.Fatalf("expected task now pending: n=%d err=%v", pending, err)
	}
}

func TestTaskNameRejectsSeparator(t *testing.T) {
	q, _ := newTestQueue(t, fixedClock(0))
	bad := key.Segment("bad-name")
	err := q.ScheduleTask(context.Background(), bad, json.RawMessage(`1`), nil, IfMissing)
	if err == nil {
		t.Fatalf("expected error for task name containing separator")
	}
}

// TestConcurrentClaimsAreExclusive is the E5 concurrency property: N workers
// racing to claim M scheduled tasks each claim a disjoint set, and the
// total claimed equals M.
func TestConcurrentClaimsAreExclusive(t *testing.T) {
	q, _ := newTestQueue(t, fixedClock(100))
	ctx := context.Background()

	const numTasks = 20
	for i := 0; i < numTasks; i++ {
		name := mustSegment(t, fmt.Sprintf("job%d", i))
		if err := q.ScheduleTask(ctx, name, json.RawMessage(`1`), nil, IfMissing); err != nil {
			t.Fatalf("ScheduleTask(%d): %v", i, err)
		}
	}

	var claimed int64
	seen := sync.Map{}
	const workers = 6
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				task, err := q.ClaimScheduledPendingTask(gctx)
				if err != nil {
					return err
				}
				if task == nil {
					return nil
				}
				if _, dup := seen.LoadOrStore(task.Name, true); dup {
					return fmt.Errorf("task %q claimed more than once", task.Name)
				}
				atomic.AddInt64(&claimed, 1)
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker group failed: %v", err)
	}
	if claimed != numTasks {
		t.Fatalf("got %d claims, want %d", claimed, numTasks)
	}
}
