// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package userlock

import "golang.org/x/sys/unix"

// SetProcessGroup records the process group ID of the builder spawned
// under this lock. The sandbox package sets Setpgid on the child so its
// pgid equals its pid; recording it here lets Kill reach every descendant
// the builder forked, not just the immediate child.
func (l *Lock) SetProcessGroup(pgid int) {
	l.mu.Lock()
	l.pgid = pgid
	l.mu.Unlock()
}

// Kill sends SIGKILL to every process in the build's process group.
// It is used to enforce build timeouts and to clean up after a cancelled build.
// Kill does not wait for processes to exit.
func (l *Lock) Kill() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	pgid := l.pgid
	l.mu.Unlock()
	if pgid == 0 {
		return nil
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
