// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package userlock

// SetProcessGroup is a no-op on platforms without POSIX process groups.
func (l *Lock) SetProcessGroup(pgid int) {}

// Kill is unsupported on platforms without POSIX process groups;
// builds are terminated through [context.Context] cancellation instead.
func (l *Lock) Kill() error { return nil }
