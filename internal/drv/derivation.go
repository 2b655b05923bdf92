// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package drv

import (
	"bytes"
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"

	"lumeforge.dev/zbe/internal/aterm"
	"lumeforge.dev/zbe/internal/sortedset"
	"lumeforge.dev/zbe/internal/storepath"
	"zombiezen.com/go/nix"
)

// DerivationExt is the file extension for a marshalled [Derivation].
const DerivationExt = storepath.DerivationExt

// A Derivation represents a store derivation:
// a single, specific, constant build action.
type Derivation struct {
	// Dir is the store directory this derivation is a part of.
	Dir Directory

	// Name is the human-readable name of the derivation,
	// i.e. the part after the digest in the store object name.
	Name string
	// System is a string representing the OS and architecture tuple
	// that this derivation is intended to run on.
	System string
	// Builder is the path to the program to run the build.
	Builder string
	// Args is the list of arguments that should be passed to the builder program.
	Args []string
	// Env is the environment variables that should be passed to the builder program.
	Env map[string]string

	// InputSources is the set of source filesystem objects that this derivation depends on.
	InputSources sortedset.Set[Path]
	// InputDerivations is the set of derivations that this derivation depends on.
	// The mapped values are the set of output names that are used.
	InputDerivations map[Path]*sortedset.Set[string]
	// Outputs is the set of outputs that the derivation produces.
	Outputs map[string]*DerivationOutput
}

// An OutputReference identifies a single named output of a derivation.
type OutputReference struct {
	DrvPath    Path
	OutputName string
}

// String formats the reference in "drvPath!outputName" form.
func (ref OutputReference) String() string {
	return string(ref.DrvPath) + "!" + ref.OutputName
}

// ParseOutputReference parses a string in "drvPath!outputName" form,
// as produced by [OutputReference.String].
func ParseOutputReference(s string) (OutputReference, error) {
	drvPath, outputName, ok := strings.Cut(s, "!")
	if !ok || outputName == "" {
		return OutputReference{}, fmt.Errorf("parse output reference %q: missing '!'", s)
	}
	p, err := ParsePath(drvPath)
	if err != nil {
		return OutputReference{}, fmt.Errorf("parse output reference %q: %v", s, err)
	}
	if !p.IsDerivation() {
		return OutputReference{}, fmt.Errorf("parse output reference %q: %s is not a derivation", s, p)
	}
	return OutputReference{DrvPath: p, OutputName: outputName}, nil
}

// InputDerivationOutputs returns an iterator over every (derivation path, output name)
// pair that the derivation consumes as an input.
func (drv *Derivation) InputDerivationOutputs() func(yield func(OutputReference) bool) {
	return func(yield func(OutputReference) bool) {
		for _, drvPath := range sortedKeys(drv.InputDerivations) {
			outputs := drv.InputDerivations[drvPath]
			for i := 0; i < outputs.Len(); i++ {
				if !yield(OutputReference{DrvPath: drvPath, OutputName: outputs.At(i)}) {
					return
				}
			}
		}
	}
}

// ParseDerivation parses a derivation from ATerm format.
func ParseDerivation(dir Directory, name string, data []byte) (*Derivation, error) {
	drv := &Derivation{
		Dir:  dir,
		Name: name,
	}
	if err := drv.unmarshalText(data); err != nil {
		return nil, err
	}
	return drv, nil
}

// Export marshals the derivation in ATerm format
// and computes the derivation's store path using the given hashing algorithm.
//
// At the moment, the only supported algorithm is [nix.SHA256].
func (drv *Derivation) Export(hashType nix.HashType) (Path, []byte, error) {
	if drv.Name == "" {
		return "", nil, fmt.Errorf("export derivation: missing name")
	}
	if drv.Dir == "" {
		return "", nil, fmt.Errorf("export %s derivation: missing store directory", drv.Name)
	}

	data, err := drv.marshalText(false)
	if err != nil {
		return "", nil, err
	}
	h := nix.NewHasher(hashType)
	h.Write(data)

	p, err := FixedCAOutputPath(
		drv.Dir,
		drv.Name+DerivationExt,
		nix.TextContentAddress(h.SumHash()),
		drv.References(),
	)
	if err != nil {
		return "", data, err
	}
	return p, data, nil
}

// InputAddressedOutputPath computes the store path of the named output of
// drv when that output is input-addressed (see [InputAddressedOutput]),
// given the derivation's own identity hash as computed by
// [HashDerivations] or [internal/build]'s equivalence-class lookup.
func (drv *Derivation) InputAddressedOutputPath(outputName string, drvHash nix.Hash) (Path, error) {
	name := drv.Name
	if outputName != DefaultDerivationOutputName {
		name += "-" + outputName
	}
	return storepath.InputAddressedOutputPath(drv.Dir, name, drvHash, outputName)
}

// References returns the set of other store paths that the derivation references.
func (drv *Derivation) References() References {
	refs := References{}
	refs.Others.Grow(drv.InputSources.Len() + len(drv.InputDerivations))
	refs.Others.AddSet(&drv.InputSources)
	for input := range drv.InputDerivations {
		refs.Others.Add(input)
	}
	return refs
}

// MarshalText converts the derivation to ATerm format.
func (drv *Derivation) MarshalText() ([]byte, error) {
	return drv.marshalText(false)
}

func (drv *Derivation) marshalText(maskOutputs bool) ([]byte, error) {
	if drv.Name == "" {
		return nil, fmt.Errorf("marshal derivation: missing name")
	}
	if drv.Dir == "" {
		return nil, fmt.Errorf("marshal %s derivation: missing store directory", drv.Name)
	}

	var buf []byte
	buf = append(buf, "Derive(["...)
	for i, outName := range sortedKeys(drv.Outputs) {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = drv.Outputs[outName].marshalText(buf, drv.Dir, drv.Name, outName, maskOutputs)
		if err != nil {
			return nil, fmt.Errorf("marshal %s derivation: %v", drv.Name, err)
		}
	}

	buf = append(buf, "],["...)
	for i, drvPath := range sortedKeys(drv.InputDerivations) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		if got := drvPath.Dir(); got != drv.Dir {
			return nil, fmt.Errorf("marshal %s derivation: inputs: unexpected store directory %s (using %s)",
				drv.Name, got, drv.Dir)
		}
		buf = aterm.AppendString(buf, string(drvPath))
		buf = append(buf, ",["...)
		outputs := drv.InputDerivations[drvPath]
		for j := 0; j < outputs.Len(); j++ {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, outputs.At(j))
		}
		buf = append(buf, "])"...)
	}

	buf = append(buf, "],["...)
	for i := 0; i < drv.InputSources.Len(); i++ {
		src := drv.InputSources.At(i)
		if i > 0 {
			buf = append(buf, ',')
		}
		if got := src.Dir(); got != drv.Dir {
			return nil, fmt.Errorf("marshal %s derivation: inputs: unexpected store directory %s (using %s)",
				drv.Name, got, drv.Dir)
		}
		buf = aterm.AppendString(buf, string(src))
	}

	buf = append(buf, "],"...)
	buf = aterm.AppendString(buf, drv.System)
	buf = append(buf, ","...)
	buf = aterm.AppendString(buf, drv.Builder)

	buf = append(buf, ",["...)
	for i, arg := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, arg)
	}

	buf = append(buf, "],["...)
	for i, k := range sortedKeys(drv.Env) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}

	buf = append(buf, "])"...)

	return buf, nil
}

// marshalTextForHashing converts the derivation to ATerm format for the
// purpose of computing a derivation's equivalence-class hash,
// substituting each input derivation's path with the raw hex of its
// equivalence-class hash from hashes. Every path in drv.InputDerivations
// must have an entry in hashes. Output paths are always masked: an
// input-addressed output's own store path is derived from this hash
// (see [Derivation.InputAddressedOutputPath]), so it cannot also be an
// input to it, the same way real Nix's "hash derivation modulo" blanks
// every output path before hashing.
func (drv *Derivation) marshalTextForHashing(hashes map[Path]nix.Hash) ([]byte, error) {
	if drv.Name == "" {
		return nil, fmt.Errorf("marshal derivation: missing name")
	}
	if drv.Dir == "" {
		return nil, fmt.Errorf("marshal %s derivation: missing store directory", drv.Name)
	}

	var buf []byte
	buf = append(buf, "Derive(["...)
	for i, outName := range sortedKeys(drv.Outputs) {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = drv.Outputs[outName].marshalText(buf, drv.Dir, drv.Name, outName, true)
		if err != nil {
			return nil, fmt.Errorf("marshal %s derivation: %v", drv.Name, err)
		}
	}

	buf = append(buf, "],["...)
	for i, drvPath := range sortedKeys(drv.InputDerivations) {
		if i > 0 {
			buf = append(buf, ',')
		}
		h, ok := hashes[drvPath]
		if !ok {
			return nil, fmt.Errorf("marshal %s derivation: missing hash for input %s", drv.Name, drvPath)
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, h.RawBase16())
		buf = append(buf, ",["...)
		outputs := drv.InputDerivations[drvPath]
		for j := 0; j < outputs.Len(); j++ {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, outputs.At(j))
		}
		buf = append(buf, "])"...)
	}

	buf = append(buf, "],["...)
	for i := 0; i < drv.InputSources.Len(); i++ {
		src := drv.InputSources.At(i)
		if i > 0 {
			buf = append(buf, ',')
		}
		if got := src.Dir(); got != drv.Dir {
			return nil, fmt.Errorf("marshal %s derivation: inputs: unexpected store directory %s (using %s)",
				drv.Name, got, drv.Dir)
		}
		buf = aterm.AppendString(buf, string(src))
	}

	buf = append(buf, "],"...)
	buf = aterm.AppendString(buf, drv.System)
	buf = append(buf, ","...)
	buf = aterm.AppendString(buf, drv.Builder)

	buf = append(buf, ",["...)
	for i, arg := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, arg)
	}

	buf = append(buf, "],["...)
	for i, k := range sortedKeys(drv.Env) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}

	buf = append(buf, "])"...)

	return buf, nil
}

// unmarshalText parses the ATerm-encoded derivation body into drv,
// using the token-based scanner rather than the ad hoc prefix matching
// that an incomplete earlier version of this parser relied on.
func (drv *Derivation) unmarshalText(data []byte) error {
	s := aterm.NewScanner(bytes.NewReader(data))

	expect := func(kind aterm.TokenKind) error {
		tok, err := s.ReadToken()
		if err != nil {
			return err
		}
		if tok.Kind != kind {
			return fmt.Errorf("expected %v, got %v", kind, tok)
		}
		return nil
	}
	readString := func() (string, error) {
		tok, err := s.ReadToken()
		if err != nil {
			return "", err
		}
		if tok.Kind != aterm.String {
			return "", fmt.Errorf("expected string, got %v", tok)
		}
		return tok.Value, nil
	}

	// "Derive" isn't a token the scanner understands on its own:
	// the ATerm encoding is the tuple's fields directly, prefixed by the literal text.
	prefix, ok := bytes.CutPrefix(data, []byte("Derive"))
	if !ok {
		return fmt.Errorf("parse %s derivation: missing \"Derive\" header", drv.Name)
	}
	s = aterm.NewScanner(bytes.NewReader(prefix))

	if err := expect(aterm.LParen); err != nil {
		return fmt.Errorf("parse %s derivation: outputs: %w", drv.Name, err)
	}
	drv.Outputs = make(map[string]*DerivationOutput)
	if err := expect(aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: outputs: %w", drv.Name, err)
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: outputs: %w", drv.Name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return fmt.Errorf("parse %s derivation: outputs: unexpected %v", drv.Name, tok)
		}
		outName, err := readString()
		if err != nil {
			return fmt.Errorf("parse %s derivation: outputs: name: %w", drv.Name, err)
		}
		path, err := readString()
		if err != nil {
			return fmt.Errorf("parse %s derivation: outputs: %s: path: %w", drv.Name, outName, err)
		}
		hashAlgo, err := readString()
		if err != nil {
			return fmt.Errorf("parse %s derivation: outputs: %s: hash algorithm: %w", drv.Name, outName, err)
		}
		hashHex, err := readString()
		if err != nil {
			return fmt.Errorf("parse %s derivation: outputs: %s: hash: %w", drv.Name, outName, err)
		}
		if err := expect(aterm.RParen); err != nil {
			return fmt.Errorf("parse %s derivation: outputs: %s: %w", drv.Name, outName, err)
		}
		out, err := newDerivationOutputFromFields(path, hashAlgo, hashHex)
		if err != nil {
			return fmt.Errorf("parse %s derivation: outputs: %s: %w", drv.Name, outName, err)
		}
		if _, exists := drv.Outputs[outName]; exists {
			return fmt.Errorf("parse %s derivation: multiple outputs named %q", drv.Name, outName)
		}
		drv.Outputs[outName] = out
	}

	if err := expect(aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: inputs: %w", drv.Name, err)
	}
	drv.InputDerivations = make(map[Path]*sortedset.Set[string])
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: inputs: %w", drv.Name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return fmt.Errorf("parse %s derivation: inputs: unexpected %v", drv.Name, tok)
		}
		drvPathString, err := readString()
		if err != nil {
			return fmt.Errorf("parse %s derivation: inputs: path: %w", drv.Name, err)
		}
		drvPath, err := ParsePath(drvPathString)
		if err != nil {
			return fmt.Errorf("parse %s derivation: inputs: %w", drv.Name, err)
		}
		if err := expect(aterm.LBracket); err != nil {
			return fmt.Errorf("parse %s derivation: inputs: %s: %w", drv.Name, drvPath, err)
		}
		outNames := new(sortedset.Set[string])
		for {
			tok, err := s.ReadToken()
			if err != nil {
				return fmt.Errorf("parse %s derivation: inputs: %s: %w", drv.Name, drvPath, err)
			}
			if tok.Kind == aterm.RBracket {
				break
			}
			if tok.Kind != aterm.String {
				return fmt.Errorf("parse %s derivation: inputs: %s: unexpected %v", drv.Name, drvPath, tok)
			}
			outNames.Add(tok.Value)
		}
		if err := expect(aterm.RParen); err != nil {
			return fmt.Errorf("parse %s derivation: inputs: %s: %w", drv.Name, drvPath, err)
		}
		drv.InputDerivations[drvPath] = outNames
	}

	if err := expect(aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: input sources: %w", drv.Name, err)
	}
	drv.InputSources = sortedset.Set[Path]{}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: input sources: %w", drv.Name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.String {
			return fmt.Errorf("parse %s derivation: input sources: unexpected %v", drv.Name, tok)
		}
		src, err := ParsePath(tok.Value)
		if err != nil {
			return fmt.Errorf("parse %s derivation: input sources: %w", drv.Name, err)
		}
		drv.InputSources.Add(src)
	}

	sys, err := readString()
	if err != nil {
		return fmt.Errorf("parse %s derivation: system: %w", drv.Name, err)
	}
	drv.System = sys

	builder, err := readString()
	if err != nil {
		return fmt.Errorf("parse %s derivation: builder: %w", drv.Name, err)
	}
	drv.Builder = builder

	if err := expect(aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: args: %w", drv.Name, err)
	}
	drv.Args = drv.Args[:0]
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: args: %w", drv.Name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.String {
			return fmt.Errorf("parse %s derivation: args: unexpected %v", drv.Name, tok)
		}
		drv.Args = append(drv.Args, tok.Value)
	}

	if err := expect(aterm.LBracket); err != nil {
		return fmt.Errorf("parse %s derivation: env: %w", drv.Name, err)
	}
	drv.Env = make(map[string]string)
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: %w", drv.Name, err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return fmt.Errorf("parse %s derivation: env: unexpected %v", drv.Name, tok)
		}
		k, err := readString()
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: key: %w", drv.Name, err)
		}
		v, err := readString()
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: %s: %w", drv.Name, k, err)
		}
		if err := expect(aterm.RParen); err != nil {
			return fmt.Errorf("parse %s derivation: env: %s: %w", drv.Name, k, err)
		}
		drv.Env[k] = v
	}

	if err := expect(aterm.RParen); err != nil {
		return fmt.Errorf("parse %s derivation: %w", drv.Name, err)
	}

	if _, err := s.ReadToken(); err != io.EOF {
		return fmt.Errorf("parse %s derivation: trailing data", drv.Name)
	}
	return nil
}

type derivationOutputType int8

const (
	fixedCAOutputType derivationOutputType = 1 + iota
	floatingCAOutputType
	inputAddressedOutputType
)

// DefaultDerivationOutputName is the name of the primary output of a derivation.
// It is omitted in a number of contexts.
const DefaultDerivationOutputName = "out"

// A DerivationOutput describes the content addressing scheme of an output of a [Derivation].
type DerivationOutput struct {
	typ       derivationOutputType
	ca        nix.ContentAddress
	method    storepath.ContentAddressMethod
	hashAlgo  nix.HashType
	fixedPath Path
}

// InputAddressedOutput returns a [DerivationOutput] whose store path is
// known up front (computed from the derivation's own identity, the way
// every output of a non-content-addressed derivation is), rather than
// derived from a hash of the built content. This is spec.md's primary
// output kind for ordinary, non-floating derivations: a dependent
// derivation's closure can reference path directly without waiting for
// a build to discover it.
func InputAddressedOutput(path Path) *DerivationOutput {
	return &DerivationOutput{
		typ:       inputAddressedOutputType,
		fixedPath: path,
	}
}

// IsInputAddressed reports whether out was created by [InputAddressedOutput].
func (out *DerivationOutput) IsInputAddressed() bool {
	if out == nil {
		return false
	}
	return out.typ == inputAddressedOutputType
}

// FixedCAOutput returns a [DerivationOutput]
// that must match the given content address assertion.
func FixedCAOutput(ca nix.ContentAddress) *DerivationOutput {
	return &DerivationOutput{
		typ: fixedCAOutputType,
		ca:  ca,
	}
}

// FlatFileFloatingCAOutput returns a [DerivationOutput]
// that must be a single file
// and will be hashed with the given algorithm.
// The hash will not be known until the derivation is realized.
func FlatFileFloatingCAOutput(hashAlgo nix.HashType) *DerivationOutput {
	return &DerivationOutput{
		typ:      floatingCAOutputType,
		method:   storepath.FlatFileIngestionMethod,
		hashAlgo: hashAlgo,
	}
}

// RecursiveFileFloatingCAOutput returns a [DerivationOutput]
// that is hashed as a NAR with the given algorithm.
// The hash will not be known until the derivation is realized.
func RecursiveFileFloatingCAOutput(hashAlgo nix.HashType) *DerivationOutput {
	return &DerivationOutput{
		typ:      floatingCAOutputType,
		method:   storepath.RecursiveFileIngestionMethod,
		hashAlgo: hashAlgo,
	}
}

// IsFixed reports whether the output was created by [FixedCAOutput].
func (out *DerivationOutput) IsFixed() bool {
	if out == nil {
		return false
	}
	return out.typ == fixedCAOutputType
}

// IsFloating reports whether the output's content hash cannot be known
// until the derivation is realized.
// This is true for outputs returned by
// [FlatFileFloatingCAOutput] and [RecursiveFileFloatingCAOutput].
func (out *DerivationOutput) IsFloating() bool {
	if out == nil {
		return false
	}
	return out.typ == floatingCAOutputType
}

// HashType returns the hash algorithm a floating output will be hashed
// with, and reports whether the output is floating.
func (out *DerivationOutput) HashType() (nix.HashType, bool) {
	if out == nil || out.typ != floatingCAOutputType {
		return 0, false
	}
	return out.hashAlgo, true
}

// IsRecursiveFile reports whether a floating output is hashed as a NAR
// (as opposed to a single flat file). It returns false for fixed outputs.
func (out *DerivationOutput) IsRecursiveFile() bool {
	if out == nil || out.typ != floatingCAOutputType {
		return false
	}
	return out.method == storepath.RecursiveFileIngestionMethod
}

// ContentAddress returns the output's fixed content address assertion
// and reports whether the output is fixed.
func (out *DerivationOutput) ContentAddress() (nix.ContentAddress, bool) {
	if out == nil || out.typ != fixedCAOutputType {
		return nix.ContentAddress{}, false
	}
	return out.ca, true
}

// Path returns a fixed output's store object path
// for the given store directory, derivation name, and output name.
func (out *DerivationOutput) Path(store Directory, drvName, outputName string) (path Path, ok bool) {
	if out == nil {
		return "", false
	}
	switch out.typ {
	case fixedCAOutputType:
		if outputName != DefaultDerivationOutputName {
			drvName += "-" + outputName
		}
		p, err := FixedCAOutputPath(store, drvName, out.ca, References{})
		return p, err == nil
	case inputAddressedOutputType:
		return out.fixedPath, out.fixedPath != ""
	default:
		return "", false
	}
}

func (out *DerivationOutput) marshalText(dst []byte, storeDir Directory, drvName, outName string, maskOutputs bool) ([]byte, error) {
	dst = append(dst, '(')
	dst = aterm.AppendString(dst, outName)
	if out == nil {
		dst = append(dst, `,"","","")`...)
		return dst, nil
	}
	switch out.typ {
	case fixedCAOutputType:
		if maskOutputs {
			dst = append(dst, `,""`...)
		} else {
			dst = append(dst, ',')
			p, ok := out.Path(storeDir, drvName, outName)
			if !ok {
				return dst, fmt.Errorf("marshal %s output: invalid path", outName)
			}
			dst = aterm.AppendString(dst, string(p))
		}
		dst = append(dst, ',')
		h := out.ca.Hash()
		dst = aterm.AppendString(dst, storepath.MethodOfContentAddress(out.ca).Prefix()+h.Type().String())
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, h.RawBase16())
	case floatingCAOutputType:
		dst = append(dst, `,"",`...)
		dst = aterm.AppendString(dst, out.method.Prefix()+out.hashAlgo.String())
		dst = append(dst, `,""`...)
	case inputAddressedOutputType:
		if maskOutputs {
			dst = append(dst, `,""`...)
		} else {
			dst = append(dst, ',')
			dst = aterm.AppendString(dst, string(out.fixedPath))
		}
		dst = append(dst, `,"",""`...)
	default:
		return dst, fmt.Errorf("marshal %s output: invalid type %v", outName, out.typ)
	}
	dst = append(dst, ')')
	return dst, nil
}

func newDerivationOutputFromFields(path, hashAlgo, hashHex string) (*DerivationOutput, error) {
	if path != "" && hashAlgo == "" && hashHex == "" {
		p, err := ParsePath(path)
		if err != nil {
			return nil, fmt.Errorf("input-addressed path: %v", err)
		}
		return &DerivationOutput{
			typ:       inputAddressedOutputType,
			fixedPath: p,
		}, nil
	}
	method, typ, err := storepath.ParseHashAlgorithm(hashAlgo)
	if err != nil {
		return nil, fmt.Errorf("hash algorithm: %v", err)
	}
	switch {
	case path == "" && hashHex == "":
		return &DerivationOutput{
			typ:      floatingCAOutputType,
			method:   method,
			hashAlgo: typ,
		}, nil
	case hashHex != "":
		hashBits, err := decodeHex(hashHex)
		if err != nil {
			return nil, fmt.Errorf("hash: %v", err)
		}
		if got, want := len(hashBits), typ.Size(); got != want {
			return nil, fmt.Errorf("hash: incorrect size (got %d bytes but %v uses %d)", got, typ, want)
		}
		h := nix.NewHash(typ, hashBits)
		switch method {
		case storepath.FlatFileIngestionMethod:
			return FixedCAOutput(nix.FlatFileContentAddress(h)), nil
		case storepath.RecursiveFileIngestionMethod:
			return FixedCAOutput(nix.RecursiveFileContentAddress(h)), nil
		case storepath.TextIngestionMethod:
			return FixedCAOutput(nix.TextContentAddress(h)), nil
		default:
			return nil, fmt.Errorf("unhandled hash algorithm %q", hashAlgo)
		}
	default:
		return nil, fmt.Errorf("unknown output type (path=%q, hash=%q)", path, hashHex)
	}
}

// HashPlaceholder returns the placeholder string used in lieu of a derivation's output path.
// During a derivation's realization, the builder replaces any occurrences of the placeholder
// in the derivation's environment variables
// with the temporary output path (used until the content address stabilizes).
func HashPlaceholder(outputName string) string {
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("nix-output:")
	h.WriteString(outputName)
	return "/" + h.SumHash().RawBase32()
}

// UnknownCAOutputPlaceholder returns the placeholder
// for an unknown output of a content-addressed derivation.
func UnknownCAOutputPlaceholder(drvPath Path, outputName string) string {
	drvName := strings.TrimSuffix(drvPath.Name(), DerivationExt)
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("nix-upstream-output:")
	h.WriteString(drvPath.Digest())
	h.WriteString(":")
	h.WriteString(drvName)
	if outputName != DefaultDerivationOutputName {
		h.WriteString("-")
		h.WriteString(outputName)
	}
	return "/" + h.SumHash().RawBase32()
}

func sortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string")
	}
	dst := make([]byte, len(s)/2)
	for i := range dst {
		hi, ok1 := hexDigit(s[i*2])
		lo, ok2 := hexDigit(s[i*2+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid hex string %q", s)
		}
		dst[i] = hi<<4 | lo
	}
	return dst, nil
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
