// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSandboxPasswdOmitsBuildUserForUIDZero(t *testing.T) {
	passwd := sandboxPasswd(0, 0)
	if bytes.Contains(passwd, []byte("zbbld")) {
		t.Errorf("sandboxPasswd(0, 0) = %q, want no zbbld entry for UID 0", passwd)
	}
	if !bytes.Contains(passwd, []byte("root:x:0:0:")) {
		t.Errorf("sandboxPasswd(0, 0) = %q, want a root entry", passwd)
	}
}

func TestSandboxPasswdIncludesBuildUser(t *testing.T) {
	passwd := sandboxPasswd(1000, 1000)
	want := "zbbld:x:1000:1000:"
	if !bytes.Contains(passwd, []byte(want)) {
		t.Errorf("sandboxPasswd(1000, 1000) = %q, want it to contain %q", passwd, want)
	}
}

func TestSandboxGroupOmitsBuildGroupForGIDZero(t *testing.T) {
	group := sandboxGroup(0)
	if bytes.Contains(group, []byte("zbbld")) {
		t.Errorf("sandboxGroup(0) = %q, want no zbbld entry for GID 0", group)
	}
}

func TestSandboxGroupIncludesBuildGroup(t *testing.T) {
	group := sandboxGroup(1000)
	want := "zbbld:!:1000:"
	if !bytes.Contains(group, []byte(want)) {
		t.Errorf("sandboxGroup(1000) = %q, want it to contain %q", group, want)
	}
}

func TestBindMountRecreatesSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "dst", "link")
	if err := bindMount(link, dst); err != nil {
		t.Fatal(err)
	}
	got, err := os.Readlink(dst)
	if err != nil {
		t.Fatal(err)
	}
	if got != target {
		t.Errorf("Readlink(dst) = %q, want %q", got, target)
	}
}

func TestBindMountMissingSourceFails(t *testing.T) {
	dir := t.TempDir()
	if err := bindMount(filepath.Join(dir, "does-not-exist"), filepath.Join(dir, "dst")); err == nil {
		t.Error("bindMount of a missing source: want error, got nil")
	}
}
