// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package drv

import (
	"fmt"

	"zombiezen.com/go/nix"
)

// derivationInputRewrites returns a substitution map
// of output placeholders to realization paths.
func derivationInputRewrites(drv *Derivation, realization func(ref OutputReference) (Path, bool)) (map[string]Path, error) {
	// TODO(maybe): Also rewrite transitive derivation hashes?
	result := make(map[string]Path)
	for ref := range drv.InputDerivationOutputs() {
		placeholder := UnknownCAOutputPlaceholder(ref.DrvPath, ref.OutputName)
		rpath, ok := realization(ref)
		if !ok {
			return nil, fmt.Errorf("compute input rewrites: missing realization for %v", ref)
		}
		result[placeholder] = rpath
	}
	return result, nil
}

// hashDrvFixed computes the equivalence class for a fixed-output derivation.
func hashDrvFixed(drv *Derivation) (nix.Hash, error) {
	out := drv.Outputs[DefaultDerivationOutputName]
	ca, isFixed := out.ContentAddress()
	if !isFixed || len(drv.Outputs) != 1 {
		return nix.Hash{}, fmt.Errorf("hash derivation: not fixed")
	}
	outputPath, ok := out.Path(drv.Dir, drv.Name, DefaultDerivationOutputName)
	if !ok {
		return nix.Hash{}, fmt.Errorf("hash derivation: invalid output path")
	}
	h2 := nix.NewHasher(nix.SHA256)
	h2.WriteString("fixed:out:")
	switch {
	case ca.IsText():
		h2.WriteString("text:")
	case ca.IsRecursiveFile():
		h2.WriteString("r:")
	}
	h2.WriteString(ca.Hash().Base16())
	h2.WriteString(":")
	h2.WriteString(string(outputPath))
	return h2.SumHash(), nil
}

func hashDrvFloating(expandedDrv *Derivation) (nix.Hash, error) {
	atermData, err := expandedDrv.MarshalText()
	if err != nil {
		return nix.Hash{}, fmt.Errorf("hash derivation: %v", err)
	}
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("floating:")
	h.WriteString(expandedDrv.Name)
	h.WriteString(":") // ':' guaranteed not to appear in a store object name.
	h.Write(atermData)
	return h.SumHash(), nil
}
