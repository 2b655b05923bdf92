// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"lumeforge.dev/zbe/internal/drv"
	"zombiezen.com/go/nix"
)

// RealizationSignatureFormat identifies the scheme used to produce a
// [RealizationSignature].
type RealizationSignatureFormat string

// Defined realization signature formats.
const (
	// Ed25519SignatureFormat is the signature format produced by
	// [SignRealizationWithEd25519].
	Ed25519SignatureFormat RealizationSignatureFormat = "ed25519"
)

// RealizationOutputReference identifies a single output of a floating
// content-addressed derivation by its equivalence-class hash.
type RealizationOutputReference struct {
	DerivationHash nix.Hash `json:"derivationHash"`
	OutputName     string   `json:"outputName"`
}

// Realization records the result of building a single output of a
// floating content-addressed derivation.
type Realization struct {
	// OutputPath is the store path that was produced.
	OutputPath Path
	// ReferenceClasses is the set of equivalence classes of the other
	// floating content-addressed outputs that OutputPath references.
	// This lets a verifier recompute the claim without having
	// already realized those outputs.
	ReferenceClasses []drv.EquivalenceClass
	// Signatures attests that the signers observed this realization.
	Signatures []*RealizationSignature
}

// RealizationSignature is a signature over a [RealizationOutputReference]
// and [Realization] pair, asserting that the signer built (or observed)
// that exact realization.
type RealizationSignature struct {
	Format    RealizationSignatureFormat
	PublicKey []byte
	Signature []byte
}

// RealizationMap maps output names to the realizations that a store
// has recorded for a derivation's equivalence-class hash.
type RealizationMap map[string]*Realization

// realizationFingerprint is the exact structure signed by
// [SignRealizationWithEd25519]: the output reference's fields followed by
// the realization's content, in this field order.
type realizationFingerprint struct {
	DerivationHash   nix.Hash `json:"derivationHash"`
	OutputName       string   `json:"outputName"`
	OutputPath       Path     `json:"outputPath"`
	ReferenceClasses []string `json:"referenceClasses"`
}

// marshalRealizationForSignature serializes output and realization into the
// canonical form that realization signatures are computed over.
func marshalRealizationForSignature(output RealizationOutputReference, realization *Realization) ([]byte, error) {
	classes := make([]string, len(realization.ReferenceClasses))
	for i, c := range realization.ReferenceClasses {
		classes[i] = c.String()
	}
	return json.Marshal(realizationFingerprint{
		DerivationHash:   output.DerivationHash,
		OutputName:       output.OutputName,
		OutputPath:       realization.OutputPath,
		ReferenceClasses: classes,
	})
}

// SignRealizationWithEd25519 signs the given realization of output
// using the Ed25519 private key.
func SignRealizationWithEd25519(output RealizationOutputReference, realization *Realization, key ed25519.PrivateKey) (*RealizationSignature, error) {
	data, err := marshalRealizationForSignature(output, realization)
	if err != nil {
		return nil, fmt.Errorf("sign realization: %v", err)
	}
	return &RealizationSignature{
		Format:    Ed25519SignatureFormat,
		PublicKey: append([]byte(nil), key.Public().(ed25519.PublicKey)...),
		Signature: ed25519.Sign(key, data),
	}, nil
}

// VerifyRealizationSignature reports whether sig is a valid signature
// of realization for output.
func VerifyRealizationSignature(output RealizationOutputReference, realization *Realization, sig *RealizationSignature) error {
	switch sig.Format {
	case Ed25519SignatureFormat:
		if len(sig.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("verify realization signature: invalid ed25519 public key size (%d bytes)", len(sig.PublicKey))
		}
		data, err := marshalRealizationForSignature(output, realization)
		if err != nil {
			return fmt.Errorf("verify realization signature: %v", err)
		}
		if !ed25519.Verify(ed25519.PublicKey(sig.PublicKey), data, sig.Signature) {
			return fmt.Errorf("verify realization signature: signature does not match")
		}
		return nil
	default:
		return fmt.Errorf("verify realization signature: unknown format %q", sig.Format)
	}
}
