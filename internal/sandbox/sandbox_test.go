// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"runtime"
	"testing"

	"lumeforge.dev/zbe/internal/storepath"
)

func TestDisabledIsZeroValue(t *testing.T) {
	var m Mode
	if m != Disabled {
		t.Errorf("zero value of Mode = %v, want Disabled", m)
	}
}

func TestSupportedMatchesPlatform(t *testing.T) {
	want := runtime.GOOS == "linux"
	if got := Supported(); got != want {
		t.Errorf("Supported() = %v, want %v on %s", got, want, runtime.GOOS)
	}
}

// TestPrepareUnsupportedModeFails exercises the platforms without a real
// sandbox implementation: asking for anything but Disabled must fail
// rather than silently running unsandboxed.
func TestPrepareUnsupportedModeFails(t *testing.T) {
	if Supported() {
		t.Skip("platform supports full sandboxing; covered by platform-specific tests")
	}
	params := &Params{
		RealWorkDir: t.TempDir(),
		Mode:        Enabled,
	}
	if _, err := Prepare(context.Background(), params); err == nil {
		t.Error("Prepare with Enabled mode on an unsupported platform: want error, got nil")
	}
}

// TestPrepareDisabledRunsDirectly exercises the fallback path used on
// platforms without a real sandbox implementation: a Disabled build runs
// the command directly in the host namespace.
func TestPrepareDisabledRunsDirectly(t *testing.T) {
	if Supported() {
		t.Skip("platform supports full sandboxing; covered by platform-specific tests")
	}
	workDir := t.TempDir()
	params := &Params{
		RealWorkDir: workDir,
		Mode:        Disabled,
	}
	inst, err := Prepare(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close()

	cmd, err := inst.Command(context.Background(), "/bin/true", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Dir != workDir {
		t.Errorf("cmd.Dir = %q, want %q", cmd.Dir, workDir)
	}
}

// TestPrepareRejectsNonNativeStoreDir only applies on platforms with a
// real sandbox implementation, which must validate its inputs before
// attempting any privileged operation.
func TestPrepareRejectsNonNativeStoreDir(t *testing.T) {
	if !Supported() {
		t.Skip("platform has no sandbox implementation to validate against")
	}
	foreign := storepath.Directory(`C:\zb\store`)
	if foreign.IsNative() {
		t.Skip("this platform's native path style matches the foreign sample; nothing to assert")
	}
	params := &Params{
		StoreDir:     foreign,
		RealStoreDir: t.TempDir(),
		RealWorkDir:  t.TempDir(),
		Mode:         Disabled,
	}
	if _, err := Prepare(context.Background(), params); err == nil {
		t.Error("Prepare with a non-native store directory: want error, got nil")
	}
}
