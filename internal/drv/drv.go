// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package drv implements the content-addressed derivation model:
// parsing, marshalling, and hashing of build recipes in ATerm format,
// and the equivalence-class bookkeeping that gives floating
// content-addressed derivations a stable identity before they are built.
package drv

import "lumeforge.dev/zbe/internal/storepath"

// Directory is the absolute path of a store.
type Directory = storepath.Directory

// Path is a store path: the absolute path of a store object in the filesystem.
type Path = storepath.Path

// References represents a set of references to other store paths
// that a store object contains.
type References = storepath.References

// ParsePath parses an absolute path as a store path.
func ParsePath(path string) (Path, error) {
	return storepath.ParsePath(path)
}
