// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package store defines the abstract store interface that the builder,
// scheduler, and substituters program against, along with the
// `nix-store --export` wire codec used to move store objects between
// stores.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"lumeforge.dev/zbe/internal/storepath"
	"lumeforge.dev/zbe/sets"
	"zombiezen.com/go/nix"
)

// Directory is the absolute path of a store.
type Directory = storepath.Directory

// Path is a store path: the absolute path of a store object in the filesystem.
type Path = storepath.Path

// ErrNotFound is returned by [Store.Object] and related methods
// when a store path does not exist in the store.
var ErrNotFound = errors.New("store object not found")

// Object represents a single store object that can be streamed out as a NAR.
type Object interface {
	// Trailer returns the object's export metadata.
	// The returned pointer must not be modified.
	Trailer() *ExportTrailer
	// WriteNAR writes the object's contents in NAR format to dst.
	WriteNAR(ctx context.Context, dst io.Writer) error
}

// Store is the minimal interface for looking up store objects.
type Store interface {
	// Object returns the object for the given store path.
	// If the path does not exist in the store,
	// Object returns an error for which errors.Is(err, ErrNotFound) reports true.
	Object(ctx context.Context, path Path) (Object, error)
}

// BatchStore is implemented by stores that can look up multiple objects
// in a single round trip.
type BatchStore interface {
	// ObjectBatch returns the objects for the given store paths
	// in no particular correspondence to storePaths's iteration order.
	// Paths that do not exist in the store are simply omitted from the result;
	// ObjectBatch only returns an error for failures unrelated to existence.
	ObjectBatch(ctx context.Context, storePaths sets.Set[Path]) ([]Object, error)
}

// RandomAccessStore is implemented by stores that can expose their
// contents as a read-only filesystem rooted at a store directory.
type RandomAccessStore interface {
	Store
	// StoreFS returns an [fs.FS] of the store objects under dir.
	// Each top-level entry of the returned FS is named after a store object's
	// base name; paths inside an object are resolved relative to that.
	StoreFS(ctx context.Context, dir Directory) fs.FS
}

// Importer is implemented by stores that can accept a `nix-store --export`
// formatted stream of store objects.
type Importer interface {
	// StoreImport reads a `nix-store --export` stream from r
	// and adds the store objects it contains to the store.
	StoreImport(ctx context.Context, r io.Reader) error
}

// Exporter is implemented by stores that can produce a `nix-store --export`
// formatted stream of store objects.
type Exporter interface {
	// StoreExport writes the store objects named by paths (and, unless
	// opts.ExcludeReferences is set, their transitive closure) to dst
	// in `nix-store --export` format.
	StoreExport(ctx context.Context, dst io.Writer, paths sets.Set[Path], opts *ExportOptions) error
}

// ExportOptions holds optional parameters for [Exporter.StoreExport] and [Export].
type ExportOptions struct {
	// ExcludeReferences restricts the export to exactly the named paths,
	// omitting their transitive closure.
	ExcludeReferences bool
	// MaxConcurrency limits the number of concurrent object fetches
	// that [Export] will perform. A value <= 0 means no explicit limit.
	MaxConcurrency int
}

// A WritableRandomAccessStore is a [RandomAccessStore]
// that can be added to via the [Importer] interface.
// After an object is imported,
// it should be available via the store's other methods.
type WritableRandomAccessStore interface {
	RandomAccessStore
	Importer
}

// RealizationFetcher is implemented by stores that can report previously
// realized outputs for a floating content-addressed derivation,
// keyed by the derivation's equivalence-class hash.
type RealizationFetcher interface {
	FetchRealizations(ctx context.Context, derivationHash nix.Hash) (RealizationMap, error)
}

type exportError struct {
	paths []Path
	err   error
}

func newExportError(paths []Path, err error) error {
	return &exportError{paths: paths, err: err}
}

func (e *exportError) Error() string {
	if len(e.paths) == 0 {
		return fmt.Sprintf("export: %v", e.err)
	}
	return fmt.Sprintf("export %s: %v", joinPaths(e.paths), e.err)
}

func (e *exportError) Unwrap() error {
	return e.err
}

func joinPaths(paths []Path) string {
	sb := new(strings.Builder)
	for i, p := range paths {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(string(p))
	}
	return sb.String()
}

// Export writes the store objects named by paths from src to dst
// in `nix-store --export` format.
// If src implements [Exporter], Export calls its StoreExport method,
// which also writes the transitive closure unless opts.ExcludeReferences is set.
// Otherwise Export writes only the named paths, in no particular order,
// and ignores opts.
//
// Export is the client-side counterpart to [Exporter.StoreExport]: it is
// used by stores (such as [*Cache]) that only expose single-object lookups
// via [Store.Object] and need to assemble a multi-object export themselves.
func Export(ctx context.Context, src Store, dst io.Writer, paths sets.Set[Path], opts *ExportOptions) error {
	if exp, ok := src.(Exporter); ok {
		return exp.StoreExport(ctx, dst, paths, opts)
	}

	w := NewExportWriter(dst)
	for p := range paths.All() {
		obj, err := src.Object(ctx, p)
		if err != nil {
			return newExportError([]Path{p}, err)
		}
		if err := obj.WriteNAR(ctx, w); err != nil {
			return newExportError([]Path{p}, err)
		}
		if err := w.Trailer(obj.Trailer()); err != nil {
			return newExportError([]Path{p}, err)
		}
	}
	return w.Close()
}
