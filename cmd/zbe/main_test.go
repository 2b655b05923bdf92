// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"testing"

	"lumeforge.dev/zbe/internal/goal"
)

func TestStatusExitErrorCode(t *testing.T) {
	tests := []struct {
		status goal.Status
		want   int
	}{
		{goal.StatusFailed, exitBuildFailure},
		{goal.StatusDependencyFailed, exitDependencyFailed},
		{goal.StatusCancelled, exitBuildFailure},
	}
	for _, test := range tests {
		err := statusExitError("/zbe/store/abc-example.drv", goal.Result{Status: test.status, Err: errors.New("boom")})
		var exitErr *exitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("statusExitError(%v) did not produce an *exitError", test.status)
		}
		if exitErr.code != test.want {
			t.Errorf("statusExitError(%v).code = %d, want %d", test.status, exitErr.code, test.want)
		}
	}
}
