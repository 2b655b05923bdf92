// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package userlock leases unprivileged system identities to running builds.
//
// Each build that needs isolation from the engine's own identity is
// handed exclusive use of one [BuildUser] for the duration of the build.
// Each lease covers exactly one user; ranges of users are not allocated.
// Handing out a fixed pool of pre-provisioned identities
// means the engine itself need not run as root to isolate builds from
// each other.
package userlock

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"lumeforge.dev/zbe/sets"
)

// DefaultGroupName is the group that pooled build users are expected to belong to.
const DefaultGroupName = "zbbld"

// A BuildUser identifies a single unprivileged system identity
// reserved for running exactly one build at a time.
type BuildUser struct {
	// Name is the system user name (e.g. "zbbld1").
	Name string
	// UID is the user ID of the identity.
	UID int
	// GID is the primary group ID of the identity.
	GID int
}

// A Pool is a fixed set of [BuildUser] identities that can be leased
// out one at a time. Methods on a Pool are safe to call concurrently
// from multiple goroutines.
type Pool struct {
	users       []BuildUser
	releaseFull chan struct{}

	mu    sync.Mutex
	inUse sets.Bit
}

// NewPool returns a new [Pool] that leases out the given users.
// NewPool returns an error if any two users share a UID.
func NewPool(users []BuildUser) (*Pool, error) {
	for i, u1 := range users {
		for _, u2 := range users[i+1:] {
			if u1.UID == u2.UID {
				return nil, fmt.Errorf("userlock: uid %d used multiple times", u1.UID)
			}
		}
	}
	return &Pool{
		users:       slices.Clone(users),
		releaseFull: make(chan struct{}, 1),
	}, nil
}

// Len returns the number of users in the pool.
func (p *Pool) Len() int {
	return len(p.users)
}

// A Lock is a handle on a single leased [BuildUser].
// The identity is reserved exclusively for the lock's owner
// until [Lock.Release] is called.
type Lock struct {
	pool  *Pool
	user  BuildUser
	index int

	mu       sync.Mutex
	released bool
	pgid     int
}

// Acquire blocks until a user in the pool is free or ctx is done.
// If the pool is empty, Acquire returns (nil, nil):
// the caller is expected to run the build under the engine's own identity
// in that case (the "Disabled" sandbox configuration).
func (p *Pool) Acquire(ctx context.Context) (*Lock, error) {
	if len(p.users) == 0 {
		return nil, nil
	}

	for {
		p.mu.Lock()
		if p.inUse.Len() < len(p.users) {
			for i := range p.users {
				if !p.inUse.Has(uint(i)) {
					p.inUse.Add(uint(i))
					if p.inUse.Len() < len(p.users) {
						// Users are still free: pass the wake-up on to the next waiter.
						select {
						case p.releaseFull <- struct{}{}:
						default:
						}
					}
					p.mu.Unlock()
					return &Lock{pool: p, user: p.users[i], index: i}, nil
				}
			}
		}
		p.mu.Unlock()

		select {
		case <-p.releaseFull:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// UID returns the leased identity's user ID.
func (l *Lock) UID() int { return l.user.UID }

// GID returns the leased identity's primary group ID.
func (l *Lock) GID() int { return l.user.GID }

// UIDCount reports how many consecutive UIDs starting at UID
// are reserved by this lock. It is always 1: a lease covers a single user,
// and ranges of UIDs are not allocated.
func (l *Lock) UIDCount() int { return 1 }

// Release returns the leased identity to the pool.
// Release is idempotent and safe to call from a deferred cleanup.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	p := l.pool
	p.mu.Lock()
	shouldNotify := p.inUse.Len() == len(p.users)
	p.inUse.Delete(uint(l.index))
	p.mu.Unlock()

	if shouldNotify {
		select {
		case p.releaseFull <- struct{}{}:
		default:
			// No one was waiting; don't block the releasing goroutine on it.
		}
	}
}
