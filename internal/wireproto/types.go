// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package wireproto

import (
	"lumeforge.dev/zbe/internal/drv"
	"lumeforge.dev/zbe/internal/storepath"
	"zombiezen.com/go/nix"
)

// Directory is the absolute path of a store.
type Directory = storepath.Directory

// Path is a store path: the absolute path of a store object in the filesystem.
type Path = storepath.Path

// ContentAddress identifies how a store object's contents were hashed
// for the purposes of content addressing.
type ContentAddress = nix.ContentAddress

// OutputReference identifies a single output of a derivation.
type OutputReference = drv.OutputReference

// ParseOutputReference parses the string form of an [OutputReference]
// ("DRVPATH!OUTPUT").
func ParseOutputReference(s string) (OutputReference, error) {
	return drv.ParseOutputReference(s)
}
