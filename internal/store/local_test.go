// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"lumeforge.dev/zbe/internal/sortedset"
	"lumeforge.dev/zbe/internal/storepath"
	"lumeforge.dev/zbe/internal/testcontext"
	"lumeforge.dev/zbe/sets"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
)

// writeSingleFileNAR writes a single non-executable file NAR to w with the
// given file contents.
func writeSingleFileNAR(w io.Writer, data []byte) error {
	nw := nar.NewWriter(w)
	if err := nw.WriteHeader(&nar.Header{Size: int64(len(data))}); err != nil {
		return err
	}
	if _, err := nw.Write(data); err != nil {
		return err
	}
	return nw.Close()
}

func newTestLocalStore(t *testing.T) (*LocalStore, Directory) {
	t.Helper()
	dir, err := storepath.CleanDirectory(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(string(dir), 0o755); err != nil {
		t.Fatal(err)
	}
	ls, err := NewLocalStore(dir, filepath.Join(t.TempDir(), "db.sqlite"), nil)
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

func TestLocalStoreImportAndObject(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	ls, dir := newTestLocalStore(t)

	fileContent := []byte("Hello, World!\n")
	h := nix.NewHasher(nix.SHA256)
	h.Write(fileContent)
	ca := nix.FlatFileContentAddress(h.SumHash())
	storePath, err := storepath.FixedCAOutputPath(dir, "hello.txt", ca, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}

	var exportBuf bytes.Buffer
	w := NewExportWriter(&exportBuf)
	if err := writeSingleFileNAR(w, fileContent); err != nil {
		t.Fatal(err)
	}
	if err := w.Trailer(&ExportTrailer{StorePath: storePath, ContentAddress: ca}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if err := ls.StoreImport(ctx, &exportBuf); err != nil {
		t.Fatal(err)
	}

	valid, err := ls.IsValidPath(ctx, storePath)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatalf("%s not valid after import", storePath)
	}

	obj, err := ls.Object(ctx, storePath)
	if err != nil {
		t.Fatal(err)
	}
	var got bytes.Buffer
	if err := obj.WriteNAR(ctx, &got); err != nil {
		t.Fatal(err)
	}
	var want bytes.Buffer
	if err := writeSingleFileNAR(&want, fileContent); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Errorf("WriteNAR produced %q, want %q", got.Bytes(), want.Bytes())
	}

	if _, err := ls.Object(ctx, Path(dir.Join("does-not-exist"))); err == nil {
		t.Error("Object for nonexistent path succeeded; want error")
	}
}

func TestLocalStoreExportClosure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	ls, dir := newTestLocalStore(t)

	dep := []byte("I am a dependency.\n")
	depHasher := nix.NewHasher(nix.SHA256)
	depHasher.Write(dep)
	depCA := nix.FlatFileContentAddress(depHasher.SumHash())
	depPath, err := storepath.FixedCAOutputPath(dir, "dep.txt", depCA, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}

	top := []byte("I reference the dependency.\n")
	topHasher := nix.NewHasher(nix.SHA256)
	topHasher.Write(top)
	topCA := nix.TextContentAddress(topHasher.SumHash())
	topPath, err := storepath.FixedCAOutputPath(dir, "top.txt", topCA, storepath.References{Others: *sortedset.New(depPath)})
	if err != nil {
		t.Fatal(err)
	}

	var exportBuf bytes.Buffer
	w := NewExportWriter(&exportBuf)
	if err := writeSingleFileNAR(w, dep); err != nil {
		t.Fatal(err)
	}
	if err := w.Trailer(&ExportTrailer{StorePath: depPath, ContentAddress: depCA}); err != nil {
		t.Fatal(err)
	}
	if err := writeSingleFileNAR(w, top); err != nil {
		t.Fatal(err)
	}
	if err := w.Trailer(&ExportTrailer{
		StorePath:      topPath,
		References:     *sortedset.New(depPath),
		ContentAddress: topCA,
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ls.StoreImport(ctx, &exportBuf); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := ls.StoreExport(ctx, &out, sets.New(topPath), nil); err != nil {
		t.Fatal(err)
	}

	var got []Path
	err = ReceiveExport(exportRecorderFunc(func(tr *ExportTrailer) {
		got = append(got, tr.StorePath)
	}), bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != depPath || got[1] != topPath {
		t.Errorf("export order = %v, want [%s %s] (dependency first)", got, depPath, topPath)
	}
}

// exportRecorderFunc adapts a trailer callback into a [NARReceiver] that
// discards NAR bytes, for asserting on export order in tests.
type exportRecorderFunc func(*ExportTrailer)

func (exportRecorderFunc) Write(p []byte) (int, error) { return len(p), nil }

func (f exportRecorderFunc) ReceiveNAR(trailer *ExportTrailer) { f(trailer) }

func TestLocalStoreRealizations(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	ls, dir := newTestLocalStore(t)

	content := []byte("built output\n")
	h := nix.NewHasher(nix.SHA256)
	h.Write(content)
	ca := nix.RecursiveFileContentAddress(h.SumHash())
	outPath, err := storepath.FixedCAOutputPath(dir, "out", ca, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}

	drvHasher := nix.NewHasher(nix.SHA256)
	drvHasher.WriteString("a derivation")
	drvHash := drvHasher.SumHash()

	err = ls.RecordRealizations(ctx, drvHash, map[string]RealizationOutput{
		"out": {Path: outPath},
	})
	if err != nil {
		t.Fatal(err)
	}

	realizations, err := ls.FetchRealizations(ctx, drvHash)
	if err != nil {
		t.Fatal(err)
	}
	r, ok := realizations["out"]
	if !ok {
		t.Fatalf("realizations[%q] missing; have %v", "out", realizations)
	}
	if r.OutputPath != outPath {
		t.Errorf("OutputPath = %s, want %s", r.OutputPath, outPath)
	}

	unknownHasher := nix.NewHasher(nix.SHA256)
	unknownHasher.WriteString("some other derivation")
	if got, err := ls.FetchRealizations(ctx, unknownHasher.SumHash()); err != nil {
		t.Fatal(err)
	} else if len(got) != 0 {
		t.Errorf("FetchRealizations for unrecorded hash = %v, want empty", got)
	}
}
