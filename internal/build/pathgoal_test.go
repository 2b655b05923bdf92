// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lumeforge.dev/zbe/internal/goal"
	"lumeforge.dev/zbe/internal/storepath"
	"lumeforge.dev/zbe/internal/store"
	"lumeforge.dev/zbe/internal/testcontext"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
)

func writeSingleFileNAR(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	nw := nar.NewWriter(&buf)
	if err := nw.WriteHeader(&nar.Header{Size: int64(len(data))}); err != nil {
		t.Fatal(err)
	}
	if _, err := nw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := nw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestStore(t *testing.T) (*store.LocalStore, storepath.Directory) {
	t.Helper()
	dir, err := storepath.CleanDirectory(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(string(dir), 0o755); err != nil {
		t.Fatal(err)
	}
	ls, err := store.NewLocalStore(dir, filepath.Join(t.TempDir(), "db.sqlite"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := ls.Close(); err != nil {
			t.Error(err)
		}
	})
	return ls, dir
}

// newTestStorePair returns two stores that share the same logical store
// directory (so store paths computed for one are valid in the other) but
// keep their own physical backing directory and database, mimicking a
// local store paired with a remote cache it substitutes from.
func newTestStorePair(t *testing.T) (primary, fallback *store.LocalStore, dir storepath.Directory) {
	t.Helper()
	dir, err := storepath.CleanDirectory(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatal(err)
	}

	newOne := func(suffix string) *store.LocalStore {
		realDir := filepath.Join(t.TempDir(), "real-"+suffix)
		if err := os.MkdirAll(realDir, 0o755); err != nil {
			t.Fatal(err)
		}
		ls, err := store.NewLocalStore(dir, filepath.Join(t.TempDir(), "db-"+suffix+".sqlite"), &store.LocalStoreOptions{RealDir: realDir})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			if err := ls.Close(); err != nil {
				t.Error(err)
			}
		})
		return ls
	}
	return newOne("primary"), newOne("fallback"), dir
}

// importFileObject imports a single-file object named name into ls and
// returns its store path.
func importFileObject(t *testing.T, ls *store.LocalStore, dir storepath.Directory, name string, content []byte) Path {
	t.Helper()
	ctx, cancel := testcontext.New(t)
	defer cancel()

	h := nix.NewHasher(nix.SHA256)
	h.Write(content)
	ca := nix.FlatFileContentAddress(h.SumHash())
	storePath, err := storepath.FixedCAOutputPath(dir, name, ca, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}

	var exportBuf bytes.Buffer
	w := store.NewExportWriter(&exportBuf)
	if _, err := w.Write(writeSingleFileNAR(t, content)); err != nil {
		t.Fatal(err)
	}
	if err := w.Trailer(&store.ExportTrailer{StorePath: storePath, ContentAddress: ca}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ls.StoreImport(ctx, &exportBuf); err != nil {
		t.Fatal(err)
	}
	return storePath
}

func runToCompletion(t *testing.T, g goal.Goal) goal.Result {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		outcome, err := g.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if outcome.IsDone() {
			return g.Result()
		}
		if time.Now().After(deadline) {
			t.Fatal("goal did not complete before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPathGoalAlreadyValid(t *testing.T) {
	ls, dir := newTestStore(t)
	storePath := importFileObject(t, ls, dir, "hello.txt", []byte("hello\n"))

	cfg := &Config{Store: ls}
	g := newPathGoal(cfg, storePath)
	result := runToCompletion(t, g)
	if result.Status != goal.StatusSuccess {
		t.Fatalf("result.Status = %v, want %v (err=%v)", result.Status, goal.StatusSuccess, result.Err)
	}
}

func TestPathGoalMissingNoSubstituter(t *testing.T) {
	ls, dir := newTestStore(t)
	missing, err := dir.Object("s66mzxpvicwk07gjbjfw9izjfa797vsw-missing.txt")
	if err != nil {
		t.Fatal(err)
	}

	cfg := &Config{Store: ls}
	g := newPathGoal(cfg, missing)
	result := runToCompletion(t, g)
	if result.Status != goal.StatusFailed {
		t.Fatalf("result.Status = %v, want %v", result.Status, goal.StatusFailed)
	}
}

func TestPathGoalSubstitutes(t *testing.T) {
	primary, fallback, dir := newTestStorePair(t)
	storePath := importFileObject(t, fallback, dir, "hello.txt", []byte("hello\n"))

	cfg := &Config{Store: primary, Substituter: fallback}
	g := newPathGoal(cfg, storePath)
	result := runToCompletion(t, g)
	if result.Status != goal.StatusSubstituted {
		t.Fatalf("result.Status = %v, want %v (err=%v)", result.Status, goal.StatusSubstituted, result.Err)
	}

	ctx, cancel := testcontext.New(t)
	defer cancel()
	valid, err := primary.IsValidPath(ctx, storePath)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("substituted path not valid in primary store after PathGoal success")
	}
}
