// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package scheduler drives a dynamically growing graph of [goal.Goal]
// values to completion using cooperative task switching on a single
// goroutine, the way the engine's source material uses stackful
// coroutines internally. Goals communicate with the scheduler only by
// returning an [goal.Outcome] from Step: there is no shared mutable
// state between goals, no native thread per goal, and cancellation is a
// flag checked at the next suspension point rather than an interrupt.
package scheduler

import (
	"context"
	"fmt"

	"lumeforge.dev/zbe/internal/goal"
)

// A ConfigError is returned by [Scheduler.Run] when the goal graph
// itself is invalid — currently, only a dependency cycle — rather than
// any individual goal failing. Unlike a goal failure, a ConfigError
// aborts the whole run: there is no well-defined partial result to
// report.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Msg }

// Factory constructs a new goal for a key the scheduler has not seen
// before. It is only invoked once per distinct key for the lifetime of
// a [Scheduler]: later requests for the same key are coalesced onto the
// goal the first call created, per the engine's at-most-once-per-output
// guarantee.
type Factory func(self goal.Ref) goal.Goal

type entry struct {
	key       string
	g         goal.Goal
	steps     int
	blockedBy map[goal.Ref]struct{}
	waiters   []goal.Ref
	done      bool
	result    goal.Result
	cancelled bool
}

// A Scheduler owns the goal arena: every goal's blockers and waiters are
// expressed as indices into this arena rather than pointers, so the
// arena — not any individual goal — owns their lifetime.
type Scheduler struct {
	arena   []*entry
	byKey   map[string]goal.Ref
	ready   []goal.Ref
	ancestry map[goal.Ref][]string // active scheduling path, for cycle detection
}

// New returns an empty [Scheduler].
func New() *Scheduler {
	return &Scheduler{
		byKey:    make(map[string]goal.Ref),
		ancestry: make(map[goal.Ref][]string),
	}
}

// Lookup returns the goal ref previously registered for key, if any.
func (s *Scheduler) Lookup(key string) (goal.Ref, bool) {
	ref, ok := s.byKey[key]
	return ref, ok
}

// Schedule returns the goal registered for key, creating it via factory
// if this is the first request for key. requester is the ref of the
// goal making the request (used only for cycle detection); pass -1 when
// scheduling a root goal with no requester.
//
// Schedule returns a [*ConfigError] if key is already an ancestor of
// requester in the current scheduling chain, i.e. satisfying the
// request would require a dependency cycle.
func (s *Scheduler) Schedule(requester goal.Ref, key string, factory Factory) (goal.Ref, error) {
	if existing, ok := s.byKey[key]; ok {
		if requester >= 0 {
			for _, ancestorKey := range s.ancestry[requester] {
				if ancestorKey == key {
					return -1, &ConfigError{Msg: fmt.Sprintf("dependency cycle on %s", key)}
				}
			}
		}
		return existing, nil
	}

	ref := goal.Ref(len(s.arena))
	e := &entry{key: key, blockedBy: make(map[goal.Ref]struct{})}
	s.arena = append(s.arena, e)
	s.byKey[key] = ref

	if requester >= 0 {
		chain := make([]string, len(s.ancestry[requester])+1)
		copy(chain, s.ancestry[requester])
		chain[len(chain)-1] = key
		s.ancestry[ref] = chain
	} else {
		s.ancestry[ref] = []string{key}
	}

	e.g = factory(ref)
	s.ready = append(s.ready, ref)
	return ref, nil
}

// Result returns the result of a Done goal. It panics if the goal has
// not finished; callers should only call this from within another
// goal's Step after confirming the ref is one they Awaited and the
// scheduler resumed them, which only happens once every awaited ref is
// Done.
func (s *Scheduler) Result(ref goal.Ref) goal.Result {
	e := s.arena[ref]
	if !e.done {
		panic("scheduler: Result called on a goal that has not finished")
	}
	return e.result
}

// Cancel requests cancellation of the goal at ref by calling its Cancel
// method once. Goals that depend on it are not cancelled, and Cancel
// does nothing if the goal has already finished.
func (s *Scheduler) Cancel(ref goal.Ref) {
	e := s.arena[ref]
	if e.done || e.cancelled {
		return
	}
	e.cancelled = true
	e.g.Cancel()
}

// Run drives every goal in the arena (including ones created during the
// run by other goals' Step calls) until root is Done or ctx is
// cancelled. It returns root's result, or an error if the scheduler
// itself hit a [*ConfigError] or ctx ended first.
func (s *Scheduler) Run(ctx context.Context, root goal.Ref) (goal.Result, error) {
	for {
		if s.arena[root].done {
			return s.arena[root].result, nil
		}
		select {
		case <-ctx.Done():
			return goal.Result{}, ctx.Err()
		default:
		}
		if len(s.ready) == 0 {
			return goal.Result{}, fmt.Errorf("scheduler: deadlock: %s is blocked with nothing runnable", s.arena[root].key)
		}

		ref := s.ready[0]
		s.ready = s.ready[1:]
		e := s.arena[ref]
		if e.done {
			continue
		}

		e.steps++
		outcome, err := e.g.Step()
		if err != nil {
			return goal.Result{}, err
		}

		switch {
		case outcome.IsDone():
			s.finish(ref)
		case outcome.IsAwait():
			refs := outcome.AwaitRefs()
			pending := 0
			for _, dep := range refs {
				de := s.arena[dep]
				if de.done {
					continue
				}
				de.waiters = append(de.waiters, ref)
				e.blockedBy[dep] = struct{}{}
				pending++
			}
			if pending == 0 {
				// Everything it was waiting on already finished between
				// when it was scheduled and when it checked: let it run
				// again immediately instead of getting stuck.
				s.ready = append(s.ready, ref)
			}
		default:
			// Yield.
			s.ready = append(s.ready, ref)
		}
	}
}

func (s *Scheduler) finish(ref goal.Ref) {
	e := s.arena[ref]
	if e.done {
		return
	}
	e.done = true
	e.result = e.g.Result()

	for _, waiter := range e.waiters {
		we := s.arena[waiter]
		delete(we.blockedBy, ref)
		if len(we.blockedBy) == 0 && !we.done {
			s.ready = append(s.ready, waiter)
		}
	}
	e.waiters = nil
}
