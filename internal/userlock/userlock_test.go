// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package userlock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testUsers(n int) []BuildUser {
	users := make([]BuildUser, n)
	for i := range users {
		users[i] = BuildUser{Name: "zbbld" + string(rune('0'+i)), UID: 10000 + i, GID: 20000 + i}
	}
	return users
}

func TestNewPoolRejectsDuplicateUID(t *testing.T) {
	users := []BuildUser{
		{Name: "zbbld0", UID: 10000, GID: 20000},
		{Name: "zbbld1", UID: 10000, GID: 20001},
	}
	if _, err := NewPool(users); err == nil {
		t.Fatal("NewPool with duplicate UIDs: want error, got nil")
	}
}

func TestPoolAcquireEmptyPoolReturnsNilLock(t *testing.T) {
	pool, err := NewPool(nil)
	if err != nil {
		t.Fatal(err)
	}
	lock, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if lock != nil {
		t.Errorf("Acquire on empty pool = %+v, want nil", lock)
	}
}

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	users := testUsers(2)
	pool, err := NewPool(users)
	if err != nil {
		t.Fatal(err)
	}
	if pool.Len() != 2 {
		t.Fatalf("pool.Len() = %d, want 2", pool.Len())
	}

	l1, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l2, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if l1.UID() == l2.UID() {
		t.Fatalf("both locks leased the same UID %d", l1.UID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); err == nil {
		t.Fatal("Acquire on exhausted pool: want a context deadline error, got nil")
	}

	l1.Release()
	// Release is idempotent.
	l1.Release()

	l3, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if l3.UID() != l1.UID() {
		t.Errorf("l3.UID() = %d, want the UID l1 released (%d)", l3.UID(), l1.UID())
	}
	l2.Release()
	l3.Release()
}

func TestPoolAcquireUnblocksOnRelease(t *testing.T) {
	pool, err := NewPool(testUsers(1))
	if err != nil {
		t.Fatal(err)
	}
	l1, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *Lock, 1)
	go func() {
		l2, err := pool.Acquire(context.Background())
		if err != nil {
			t.Error(err)
			done <- nil
			return
		}
		done <- l2
	}()

	// Give the goroutine a chance to block on the exhausted pool before
	// releasing; not releasing at all would make this test hang instead
	// of silently passing, so the timeout below still catches a
	// regression even if this sleep races ahead of the goroutine.
	time.Sleep(10 * time.Millisecond)
	l1.Release()

	select {
	case l2 := <-done:
		if l2 == nil {
			t.Fatal("blocked Acquire returned nil lock")
		}
		l2.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Acquire never unblocked after Release")
	}
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	pool, err := NewPool(testUsers(3))
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			lock, err := pool.Acquire(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			defer lock.Release()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()
}
