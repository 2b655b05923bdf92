// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"testing"

	"lumeforge.dev/zbe/internal/goal"
)

// fakeGoal is a minimal [goal.Goal] for exercising the scheduler without
// any of internal/build's real async machinery: it completes after a
// fixed number of Yields (optionally awaiting other refs first), then
// reports whatever status/err the test configured.
type fakeGoal struct {
	await      []goal.Ref
	awaited    bool
	yieldsLeft int
	status     goal.Status
	err        error
	cancelled  bool

	result goal.Result
}

func (g *fakeGoal) Step() (goal.Outcome, error) {
	if len(g.await) > 0 && !g.awaited {
		g.awaited = true
		return goal.Await(g.await...), nil
	}
	if g.yieldsLeft > 0 {
		g.yieldsLeft--
		return goal.Yield(), nil
	}
	g.result = goal.Result{Status: g.status, Err: g.err}
	return goal.Done(), nil
}

func (g *fakeGoal) Result() goal.Result { return g.result }
func (g *fakeGoal) Cancel()             { g.cancelled = true }

func TestSchedulerRunsSingleGoalToCompletion(t *testing.T) {
	s := New()
	ref, err := s.Schedule(-1, "a", func(self goal.Ref) goal.Goal {
		return &fakeGoal{status: goal.StatusSuccess, yieldsLeft: 2}
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := s.Run(context.Background(), ref)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != goal.StatusSuccess {
		t.Errorf("result.Status = %v, want %v", result.Status, goal.StatusSuccess)
	}
}

func TestSchedulerScheduleDedupesByKey(t *testing.T) {
	s := New()
	calls := 0
	factory := func(self goal.Ref) goal.Goal {
		calls++
		return &fakeGoal{status: goal.StatusSuccess}
	}
	ref1, err := s.Schedule(-1, "shared", factory)
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := s.Schedule(-1, "shared", factory)
	if err != nil {
		t.Fatal(err)
	}
	if ref1 != ref2 {
		t.Errorf("ref1 = %v, ref2 = %v, want equal (same key)", ref1, ref2)
	}
	if calls != 1 {
		t.Errorf("factory called %d times, want 1", calls)
	}
}

func TestSchedulerAwaitBlocksUntilDependencyDone(t *testing.T) {
	s := New()
	depRef, err := s.Schedule(-1, "dep", func(self goal.Ref) goal.Goal {
		return &fakeGoal{status: goal.StatusSuccess, yieldsLeft: 3}
	})
	if err != nil {
		t.Fatal(err)
	}
	topRef, err := s.Schedule(-1, "top", func(self goal.Ref) goal.Goal {
		return &fakeGoal{status: goal.StatusSuccess, await: []goal.Ref{depRef}}
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := s.Run(context.Background(), topRef)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != goal.StatusSuccess {
		t.Errorf("result.Status = %v, want %v", result.Status, goal.StatusSuccess)
	}
	if !s.arena[depRef].done {
		t.Error("dependency goal never completed")
	}
}

func TestSchedulerDetectsDependencyCycle(t *testing.T) {
	s := New()
	var bRef goal.Ref
	aRef, err := s.Schedule(-1, "a", func(self goal.Ref) goal.Goal {
		var err error
		bRef, err = s.Schedule(self, "b", func(self goal.Ref) goal.Goal {
			// b depends on a, closing the cycle.
			_, err := s.Schedule(self, "a", func(goal.Ref) goal.Goal {
				t.Fatal("a's factory should not run again")
				return nil
			})
			if err == nil {
				t.Error("expected a cycle error scheduling a from within b")
			}
			return &fakeGoal{status: goal.StatusFailed}
		})
		if err != nil {
			t.Error(err)
		}
		return &fakeGoal{status: goal.StatusSuccess, await: []goal.Ref{bRef}}
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background(), aRef); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSchedulerRunPropagatesContextCancellation(t *testing.T) {
	s := New()
	ref, err := s.Schedule(-1, "slow", func(self goal.Ref) goal.Goal {
		return &fakeGoal{status: goal.StatusSuccess, yieldsLeft: 1_000_000}
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx, ref)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run err = %v, want context.Canceled", err)
	}
}

func TestSchedulerCancelInvokesGoalCancel(t *testing.T) {
	s := New()
	ref, err := s.Schedule(-1, "cancel-me", func(self goal.Ref) goal.Goal {
		return &fakeGoal{status: goal.StatusCancelled, yieldsLeft: 5}
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Cancel(ref)
	fg := s.arena[ref].g.(*fakeGoal)
	if !fg.cancelled {
		t.Error("Cancel did not reach the underlying goal")
	}
}

func TestSlotPoolSerializesAcquisition(t *testing.T) {
	pool := NewSlotPool(1)
	s := New()
	aRef, err := s.ScheduleSlot(-1, "slot-a", pool)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background(), aRef); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pool.InUse() != 1 {
		t.Fatalf("pool.InUse() = %d, want 1", pool.InUse())
	}

	bRef, err := s.ScheduleSlot(aRef, "slot-b", pool)
	if err != nil {
		t.Fatal(err)
	}
	// The pool is exhausted, so slot-b's goal busy-polls TryAcquire
	// forever; an already-expired context bounds the wait instead of
	// hanging the test, and Run must notice it rather than spin past it.
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, err = s.Run(ctx, bRef)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run err = %v, want context.DeadlineExceeded", err)
	}

	pool.Release()
	result, err := s.Run(context.Background(), bRef)
	if err != nil {
		t.Fatalf("Run after release: %v", err)
	}
	if result.Status != goal.StatusSuccess {
		t.Errorf("result.Status = %v, want %v", result.Status, goal.StatusSuccess)
	}
}
