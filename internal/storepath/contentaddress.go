// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package storepath

import (
	"fmt"
	"io"
	"strings"

	"lumeforge.dev/zbe/internal/rewrite"
	"zombiezen.com/go/nix"
)

// DerivationExt is the file extension for a marshalled derivation.
const DerivationExt = ".drv"

// ContentAddressMethod identifies how a content address was computed:
// as flat file content, as the NAR serialization of a file system object,
// or as a fixed text blob (used for derivations themselves).
type ContentAddressMethod int8

// Content addressing methods, in ATerm prefix order.
const (
	TextIngestionMethod ContentAddressMethod = 1 + iota
	FlatFileIngestionMethod
	RecursiveFileIngestionMethod
)

// MethodOfContentAddress returns the ingestion method used to produce ca.
func MethodOfContentAddress(ca nix.ContentAddress) ContentAddressMethod {
	switch {
	case ca.IsText():
		return TextIngestionMethod
	case ca.IsRecursiveFile():
		return RecursiveFileIngestionMethod
	default:
		return FlatFileIngestionMethod
	}
}

// Prefix returns the ATerm hash algorithm field prefix for the method
// (e.g. "r:" for recursive file ingestion, "text:" for text ingestion,
// or the empty string for flat file ingestion).
func (m ContentAddressMethod) Prefix() string {
	switch m {
	case TextIngestionMethod:
		return "text:"
	case FlatFileIngestionMethod:
		return ""
	case RecursiveFileIngestionMethod:
		return "r:"
	default:
		panic("unknown content address method")
	}
}

// ParseHashAlgorithm parses the method and hash type
// out of the ATerm hash algorithm field of a derivation output
// (e.g. "r:sha256" or "text:sha256").
func ParseHashAlgorithm(s string) (method ContentAddressMethod, hashType nix.HashType, err error) {
	method = FlatFileIngestionMethod
	s, ok := strings.CutPrefix(s, "r:")
	if ok {
		method = RecursiveFileIngestionMethod
	} else {
		s, ok = strings.CutPrefix(s, "text:")
		if ok {
			method = TextIngestionMethod
		}
	}

	typ, err := nix.ParseHashType(s)
	if err != nil {
		return method, 0, err
	}
	return method, typ, nil
}

// ValidateContentAddress checks whether the combination of the content address
// and set of references is one that will be accepted by a store.
// If not, it returns an error describing the issue.
func ValidateContentAddress(ca nix.ContentAddress, refs References) error {
	htype := ca.Hash().Type()
	isFixedOutput := ca.IsFixed() && !IsSourceContentAddress(ca)
	switch {
	case ca.IsZero():
		return fmt.Errorf("null content address")
	case ca.IsText() && htype != nix.SHA256:
		return fmt.Errorf("text must be content-addressed by %v (got %v)", nix.SHA256, htype)
	case refs.Self && ca.IsText():
		return fmt.Errorf("self-references not allowed in text")
	case !refs.IsEmpty() && isFixedOutput:
		return fmt.Errorf("references not allowed in fixed output")
	default:
		return nil
	}
}

// IsSourceContentAddress reports whether the given content address describes
// a "source" store object: one hashed by its NAR serialization that does not
// have a fixed (non-SHA-256) hash.
// This typically means source files imported directly into the store,
// but can also mean content-addressed build artifacts.
func IsSourceContentAddress(ca nix.ContentAddress) bool {
	return ca.IsRecursiveFile() && ca.Hash().Type() == nix.SHA256
}

// SourceSHA256ContentAddress computes the content address of a "source" store object,
// given its temporary path digest (as given by [Path.Digest])
// and its NAR serialization.
// The digest is used to detect self-references:
// if the store object is known to not contain self-references,
// digest may be the empty string.
//
// See [IsSourceContentAddress] for an explanation of "source" store objects.
func SourceSHA256ContentAddress(digest string, sourceNAR io.Reader) (nix.ContentAddress, error) {
	h := nix.NewHasher(nix.SHA256)
	var hmr *rewrite.HashModuloReader
	if digest != "" {
		hmr = rewrite.NewHashModuloReader(digest, strings.Repeat("\x00", len(digest)), sourceNAR)
		sourceNAR = hmr
	}

	if _, err := io.Copy(h, sourceNAR); err != nil {
		return nix.ContentAddress{}, fmt.Errorf("compute source content address: %v", err)
	}

	// A pipe separator differentiates this content addressing algorithm
	// from hashing the NAR bytes alone, avoiding collisions between a NAR
	// with no self-reference offsets and one that happens to have none recorded.
	h.WriteString("|")

	if hmr != nil {
		for _, off := range hmr.Offsets() {
			fmt.Fprintf(h, "|%d", off)
		}
	}
	return nix.RecursiveFileContentAddress(h.SumHash()), nil
}
