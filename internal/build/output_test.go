// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"os"
	"path/filepath"
	"testing"

	"lumeforge.dev/zbe/internal/drv"
	"lumeforge.dev/zbe/internal/sortedset"
	"lumeforge.dev/zbe/internal/storepath"
	"zombiezen.com/go/nix"
)

func testDrvPath(tb testing.TB) Path {
	tb.Helper()
	p, err := storepath.DefaultUnixDirectory.Object("s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1.drv")
	if err != nil {
		tb.Fatal(err)
	}
	return p
}

func TestTempPathDeterministic(t *testing.T) {
	drvPath := testDrvPath(t)
	p1, err := tempPath(drvPath, "out")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := tempPath(drvPath, "out")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("tempPath not deterministic: %s != %s", p1, p2)
	}

	pOther, err := tempPath(drvPath, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if pOther == p1 {
		t.Errorf("tempPath(out) and tempPath(dev) collided at %s", p1)
	}
}

func TestTempPathNotDerivation(t *testing.T) {
	p, err := storepath.DefaultUnixDirectory.Object("s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tempPath(p, "out"); err == nil {
		t.Error("tempPath on non-derivation path succeeded, want error")
	}
}

func writeSingleFileReal(t *testing.T, realStoreDir string, storeName string, data []byte) string {
	t.Helper()
	realPath := filepath.Join(realStoreDir, storeName)
	if err := os.WriteFile(realPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return realPath
}

func TestPostProcessFixedOutput(t *testing.T) {
	realStoreDir := t.TempDir()
	content := []byte("Hello, World!")
	ca := nix.FlatFileContentAddress(hashString(t, nix.SHA256, string(content)))

	outputPath, err := storepath.FixedCAOutputPath(storepath.DefaultUnixDirectory, "fixed.txt", ca, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}
	writeSingleFileReal(t, realStoreDir, outputPath.Base(), content)

	narHash, narSize, err := postProcessFixedOutput(realStoreDir, outputPath, ca)
	if err != nil {
		t.Fatal(err)
	}
	if narSize <= 0 {
		t.Errorf("narSize = %d, want > 0", narSize)
	}
	if narHash.IsZero() {
		t.Error("narHash is zero")
	}
}

func TestPostProcessFixedOutputMismatch(t *testing.T) {
	realStoreDir := t.TempDir()
	ca := nix.FlatFileContentAddress(hashString(t, nix.SHA256, "Hello, World!"))
	outputPath, err := storepath.FixedCAOutputPath(storepath.DefaultUnixDirectory, "fixed.txt", ca, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}
	writeSingleFileReal(t, realStoreDir, outputPath.Base(), []byte("tampered"))

	if _, _, err := postProcessFixedOutput(realStoreDir, outputPath, ca); err == nil {
		t.Error("postProcessFixedOutput on tampered content succeeded, want error")
	}
}

func TestPostProcessFloatingOutputNoReferences(t *testing.T) {
	realStoreDir := t.TempDir()
	drvPath := testDrvPath(t)
	buildPath, err := tempPath(drvPath, "out")
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.Create(filepath.Join(realStoreDir, buildPath.Base()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("Hello\n"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	inputs := new(sortedset.Set[Path])
	out, err := postProcessBuiltOutput(realStoreDir, buildPath, drv.RecursiveFileFloatingCAOutput(nix.SHA256), inputs)
	if err != nil {
		t.Fatal(err)
	}
	if out.path == buildPath {
		t.Errorf("floating output kept its temporary path %s instead of moving to a final one", buildPath)
	}
	if out.narSize <= 0 {
		t.Errorf("narSize = %d, want > 0", out.narSize)
	}
	if _, err := os.Stat(filepath.Join(realStoreDir, out.path.Base())); err != nil {
		t.Errorf("final output not present on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(realStoreDir, buildPath.Base())); !os.IsNotExist(err) {
		t.Errorf("temporary build path still present after move: %v", err)
	}
}

func TestExpandDerivationPlaceholders(t *testing.T) {
	d := simpleFixedDerivation(t)
	r := testReplacer{old: drv.HashPlaceholder("out"), new: "/zb/store/xxx-fixed.txt"}
	expanded := expandDerivationPlaceholders(r, d)
	if expanded.Env["out"] != "/zb/store/xxx-fixed.txt" {
		t.Errorf("expanded Env[out] = %q, want replaced placeholder", expanded.Env["out"])
	}
	if expanded.InputDerivations != nil {
		t.Errorf("expanded.InputDerivations = %v, want nil", expanded.InputDerivations)
	}
	if d.Env["out"] == expanded.Env["out"] {
		t.Error("original derivation was mutated")
	}
}

type testReplacer struct{ old, new string }

func (r testReplacer) Replace(s string) string {
	if s == r.old {
		return r.new
	}
	return s
}
