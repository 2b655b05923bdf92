// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package drv

import (
	"fmt"
	"maps"
	"slices"

	"zombiezen.com/go/nix"
	"lumeforge.dev/zbe/internal/xslices"
)

// EquivalenceClass is an equivalence class of [OutputReference] values.
// It represents a single output of equivalent derivations: two derivations
// that differ only in the paths of their floating content-addressed inputs
// hash to the same equivalence class once those inputs are realized.
type EquivalenceClass struct {
	drvHashString string
	outputName    string
}

// NewEquivalenceClass returns the equivalence class for the given derivation
// hash and output name. It panics if drvHash is zero or outputName is empty.
func NewEquivalenceClass(drvHash nix.Hash, outputName string) EquivalenceClass {
	if drvHash.IsZero() || outputName == "" {
		panic("both equivalence class fields must be set")
	}
	return EquivalenceClass{
		drvHashString: drvHash.SRI(),
		outputName:    outputName,
	}
}

// DrvHash returns the hash component of the equivalence class.
func (eqClass EquivalenceClass) DrvHash() (nix.Hash, error) {
	if eqClass.IsZero() {
		return nix.Hash{}, nil
	}
	return nix.ParseHash(eqClass.drvHashString)
}

// OutputName returns the output name component of the equivalence class.
func (eqClass EquivalenceClass) OutputName() string {
	return eqClass.outputName
}

// IsZero reports whether eqClass is the zero value.
func (eqClass EquivalenceClass) IsZero() bool {
	return eqClass == EquivalenceClass{}
}

// String returns the equivalence class in the form "HASH!OUTPUT",
// or "ε" for the zero value.
func (eqClass EquivalenceClass) String() string {
	if eqClass.IsZero() {
		return "ε"
	}
	return eqClass.drvHashString + "!" + eqClass.outputName
}

// PathAndEquivalenceClass pairs a realized store path with the equivalence
// class it was built for.
type PathAndEquivalenceClass struct {
	Path             Path
	EquivalenceClass EquivalenceClass
}

// HashDerivations computes the equivalence-class hash for each of the given
// derivations, walking input derivations depth-first so that a derivation's
// hash always incorporates its dependencies' hashes. It returns an error if
// the derivations reference a derivation not present in the map.
func HashDerivations(derivations map[Path]*Derivation) (map[Path]nix.Hash, error) {
	stack := slices.Collect(maps.Keys(derivations))
	result := make(map[Path]nix.Hash)
	for len(stack) > 0 {
		curr := xslices.Last(stack)
		if _, visited := result[curr]; visited {
			stack = xslices.Pop(stack, 1)
			continue
		}

		drv := derivations[curr]
		if drv == nil {
			return nil, fmt.Errorf("hash derivations: %s: missing", curr)
		}

		if h, err := hashDrvFixed(drv); err == nil {
			result[curr] = h
			stack = xslices.Pop(stack, 1)
			continue
		}

		unhashedDeps := false
		for inputDrvPath := range drv.InputDerivations {
			if _, visited := result[inputDrvPath]; !visited {
				stack = append(stack, inputDrvPath)
				unhashedDeps = true
			}
		}
		if unhashedDeps {
			continue
		}

		atermData, err := drv.marshalTextForHashing(result)
		if err != nil {
			return nil, fmt.Errorf("hash derivations: %s: %v", curr, err)
		}
		h := nix.NewHasher(nix.SHA256)
		h.Write(atermData)
		result[curr] = h.SumHash()
		stack = xslices.Pop(stack, 1)
	}
	return result, nil
}
