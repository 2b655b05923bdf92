// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package drv

import (
	"lumeforge.dev/zbe/internal/storepath"
	"zombiezen.com/go/nix"
)

// A ContentAddress is a content-addressibility assertion.
type ContentAddress = nix.ContentAddress

// FixedCAOutputPath computes the path of a store object
// with the given directory, name, content address, and reference set.
func FixedCAOutputPath(dir Directory, name string, ca nix.ContentAddress, refs References) (Path, error) {
	if err := storepath.ValidateContentAddress(ca, refs); err != nil {
		return "", err
	}
	return storepath.FixedCAOutputPath(dir, name, ca, refs)
}
