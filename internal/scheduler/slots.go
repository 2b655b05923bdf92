// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import "lumeforge.dev/zbe/internal/goal"

// A SlotPool is a counting semaphore of build slots (local CPU-bound
// build capacity, or capacity borrowed from remote builders) modeled as
// a goal so that acquiring a slot composes naturally with [goal.Await]:
// a derivation goal waits on the pool's current token goal the same way
// it waits on a substitution or input-derivation goal.
type SlotPool struct {
	capacity int
	inUse    int
}

// NewSlotPool returns a pool with the given capacity. A capacity of 0
// means the pool never grants a slot (used to disable local builds
// entirely, per the derivation builder's AcquireSlot step).
func NewSlotPool(capacity int) *SlotPool {
	return &SlotPool{capacity: capacity}
}

// Capacity reports the pool's total slot count.
func (p *SlotPool) Capacity() int { return p.capacity }

// InUse reports how many slots are currently held.
func (p *SlotPool) InUse() int { return p.inUse }

// TryAcquire attempts to take a slot without blocking. It reports
// whether a slot was granted.
func (p *SlotPool) TryAcquire() bool {
	if p.inUse >= p.capacity {
		return false
	}
	p.inUse++
	return true
}

// Release returns a slot to the pool. Any slotGoal waiting on the pool
// will notice on its next Step (the scheduler's single-threaded loop
// means no other goal can observe or mutate pool state concurrently).
func (p *SlotPool) Release() {
	if p.inUse == 0 {
		return
	}
	p.inUse--
}

// slotGoal is the goal a derivation goal awaits while its AcquireSlot
// step is pending. It never fails: it only completes once a slot has
// been reserved on its behalf.
type slotGoal struct {
	pool   *SlotPool
	result goal.Result
}

// ScheduleSlot registers (or reuses, since the token is single-use) a
// goal that completes once a slot is available in pool, reserving it
// for the caller. The reservation is released by calling
// [SlotPool.Release] once the build finishes.
func (s *Scheduler) ScheduleSlot(requester goal.Ref, key string, pool *SlotPool) (goal.Ref, error) {
	return s.Schedule(requester, key, func(self goal.Ref) goal.Goal {
		return &slotGoal{pool: pool}
	})
}

func (g *slotGoal) Step() (goal.Outcome, error) {
	if g.pool.TryAcquire() {
		g.result = goal.Result{Status: goal.StatusSuccess}
		return goal.Done(), nil
	}
	// No slot free yet. Yield and try again next time the scheduler
	// gets back around to us; some other goal's Release happens between
	// now and then, since nothing runs concurrently with this loop.
	return goal.Yield(), nil
}

func (g *slotGoal) Result() goal.Result { return g.result }

func (g *slotGoal) Cancel() {}
