// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lumeforge.dev/zbe/internal/drv"
	"lumeforge.dev/zbe/internal/rewrite"
	"lumeforge.dev/zbe/internal/sortedset"
	"lumeforge.dev/zbe/internal/storepath"
	"lumeforge.dev/zbe/internal/system"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
)

// canBuildLocally reports whether the engine's own platform can run a
// builder for d without emulation: either an exact match of d.System,
// or a narrower personality the host can natively run (32-on-64 Intel
// or ARM).
func canBuildLocally(d *drv.Derivation) bool {
	host := system.Current()
	want, err := system.Parse(d.System)
	if err != nil {
		return false
	}
	if host.OS != want.OS || host.ABI != want.ABI {
		return false
	}
	return want.Arch == host.Arch ||
		want.IsIntel32() && host.IsIntel64() ||
		want.IsARM32() && host.IsARM64()
}

// tempPath generates a deterministic scratch store path for outputName
// of the derivation at drvPath. It is used as the output location for a
// floating output until its real content address is known.
func tempPath(drvPath Path, outputName string) (Path, error) {
	drvName, ok := derivationName(drvPath)
	if !ok {
		return "", fmt.Errorf("make build temp path: %s is not a derivation", drvPath)
	}
	h := sha256.New()
	io.WriteString(h, "rewrite:")
	io.WriteString(h, string(drvPath))
	io.WriteString(h, ":name:")
	io.WriteString(h, outputName)
	zeroHash := nix.NewHash(nix.SHA256, make([]byte, nix.SHA256.Size()))
	name := drvName
	if outputName != drv.DefaultDerivationOutputName {
		name += "-" + outputName
	}
	dir := drvPath.Dir()
	digest := storepath.MakeDigest(h, string(dir), zeroHash, name)
	return dir.Object(digest + "-" + name)
}

// tempOutputPaths computes, for every output of the derivation at
// drvPath, the store path the builder should be told to write it to:
// the output's own computed path if it's fixed, or a scratch [tempPath]
// if it's floating. It also returns a replacer that substitutes each
// output's placeholder (per [drv.HashPlaceholder]) with that path, for
// rewriting the builder's own command line and environment.
func tempOutputPaths(drvPath Path, outputs map[string]*drv.DerivationOutput) (map[string]Path, replacer, error) {
	dir := drvPath.Dir()
	drvName, ok := derivationName(drvPath)
	if !ok {
		return nil, nil, fmt.Errorf("compute output paths for %s: not a derivation", drvPath)
	}

	paths := make(map[string]Path, len(outputs))
	var rewrites []string
	for outName, outType := range outputs {
		placeholder := drv.HashPlaceholder(outName)

		if !outType.IsFloating() {
			p, ok := outType.Path(dir, drvName, outName)
			if !ok {
				return nil, nil, fmt.Errorf("compute output path for %s!%s: unhandled output type", drvPath, outName)
			}
			paths[outName] = p
			rewrites = append(rewrites, placeholder, string(p))
			continue
		}

		tp, err := tempPath(drvPath, outName)
		if err != nil {
			return nil, nil, err
		}
		paths[outName] = tp
		rewrites = append(rewrites, placeholder, string(tp))
	}
	return paths, strings.NewReplacer(rewrites...), nil
}

// replacer is satisfied by *strings.Replacer; factored out so tests can
// substitute a simpler implementation.
type replacer interface {
	Replace(s string) string
}

// expandDerivationPlaceholders returns a copy of d with r.Replace
// applied to its builder, arguments and environment variables. The
// returned derivation's InputDerivations is always nil: by the time
// placeholders are being expanded, every input derivation's outputs
// have already been resolved into InputSources.
func expandDerivationPlaceholders(r replacer, d *drv.Derivation) *drv.Derivation {
	out := &drv.Derivation{
		Dir:          d.Dir,
		Name:         d.Name,
		InputSources: *d.InputSources.Clone(),
		Outputs:      cloneOutputs(d.Outputs),
		System:       d.System,
		Builder:      r.Replace(d.Builder),
	}
	if len(d.Args) > 0 {
		out.Args = make([]string, len(d.Args))
		for i, arg := range d.Args {
			out.Args[i] = r.Replace(arg)
		}
	}
	if len(d.Env) > 0 {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[r.Replace(k)] = r.Replace(v)
		}
	}
	return out
}

func cloneOutputs(m map[string]*drv.DerivationOutput) map[string]*drv.DerivationOutput {
	if m == nil {
		return nil
	}
	out := make(map[string]*drv.DerivationOutput, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// errFloatingOutputExists is wrapped into the error returned when a
// floating output's computed content address resolves to a store path
// that's already present: the build's work was redundant, not wrong.
var errFloatingOutputExists = errors.New("floating output resolved to existing store object")

// builtOutput is the metadata postProcessBuiltOutput recovers for a
// freshly realized output, in the shape [store.ObjectInfo] and
// [store.RealizationOutput] both need.
type builtOutput struct {
	path       Path
	narHash    nix.Hash
	narSize    int64
	ca         nix.ContentAddress
	references sortedset.Set[Path]
}

// postProcessBuiltOutput computes (and, for a floating output, moves
// into place) the metadata for a realized output. buildPath is where
// the builder actually left the content: equal to the output's own
// final path already if outputType is fixed, or a [tempPath] if
// floating. inputs is the closure of store paths available to the
// build, the superset of paths a self- or input-reference scan can
// find.
func postProcessBuiltOutput(realStoreDir string, buildPath Path, outputType *drv.DerivationOutput, inputs *sortedset.Set[Path]) (*builtOutput, error) {
	if outputType.IsInputAddressed() {
		return postProcessInputAddressedOutput(realStoreDir, buildPath, inputs)
	}
	if ca, ok := outputType.ContentAddress(); ok {
		narHash, narSize, err := postProcessFixedOutput(realStoreDir, buildPath, ca)
		if err != nil {
			return nil, err
		}
		return &builtOutput{path: buildPath, narHash: narHash, narSize: narSize, ca: ca}, nil
	}
	return postProcessFloatingOutput(realStoreDir, buildPath, inputs)
}

// postProcessInputAddressedOutput computes the metadata for a realized
// output whose store path was already fixed before the build ran (see
// [drv.InputAddressedOutput]): its path never moves, so all that's left
// to discover is its NAR hash/size and which of inputs (or itself) it
// references.
func postProcessInputAddressedOutput(realStoreDir string, outputPath Path, inputs *sortedset.Set[Path]) (*builtOutput, error) {
	realPath := filepath.Join(realStoreDir, outputPath.Base())
	narHash, narSize, refs, err := scanInputAddressedOutput(realPath, outputPath.Digest(), inputs)
	if err != nil {
		return nil, fmt.Errorf("post-process input-addressed output %s: %v", outputPath, err)
	}
	allRefs := *refs.Others.Clone()
	if refs.Self {
		allRefs.Add(outputPath)
	}
	return &builtOutput{
		path:       outputPath,
		narHash:    narHash,
		narSize:    narSize,
		references: allRefs,
	}, nil
}

// scanInputAddressedOutput hashes the NAR serialization of the
// filesystem object at path once, discovering references to inputs (or
// to digest, its own digest) as it goes. Unlike [scanFloatingOutput],
// the result is never renamed afterward, so the hash computed here is
// already final even when the output references itself.
func scanInputAddressedOutput(path string, digest string, inputs *sortedset.Set[Path]) (narHash nix.Hash, narSize int64, refs storepath.References, err error) {
	inputDigests := make([]string, 0, inputs.Len())
	for i := 0; i < inputs.Len(); i++ {
		inputDigests = append(inputDigests, inputs.At(i).Digest())
	}

	var written int64
	h := nix.NewHasher(nix.SHA256)
	refFinder := rewrite.NewRefFinder(inputDigests)
	if err := nar.DumpPath(io.MultiWriter(&countingWriter{&written}, h, refFinder), path); err != nil {
		return nix.Hash{}, 0, storepath.References{}, err
	}

	result := storepath.References{}
	found := refFinder.Found()
	for i := 0; i < found.Len(); i++ {
		d := found.At(i)
		if d == digest {
			result.Self = true
			continue
		}
		idx, ok := sort.Find(inputs.Len(), func(i int) int {
			return strings.Compare(d, inputs.At(i).Digest())
		})
		if !ok {
			return nix.Hash{}, 0, storepath.References{}, fmt.Errorf("scan internal error: could not find digest %q in inputs", d)
		}
		result.Others.Add(inputs.At(idx))
	}
	return h.SumHash(), written, result, nil
}

// postProcessFixedOutput computes the NAR hash of the store object
// already sitting at its final, fixed location and verifies it matches
// the content address promised by the derivation.
func postProcessFixedOutput(realStoreDir string, outputPath Path, ca nix.ContentAddress) (narHash nix.Hash, narSize int64, err error) {
	realPath := filepath.Join(realStoreDir, outputPath.Base())
	var written int64
	h := nix.NewHasher(nix.SHA256)
	if err := nar.DumpPath(io.MultiWriter(&countingWriter{&written}, h), realPath); err != nil {
		return nix.Hash{}, 0, fmt.Errorf("post-process fixed output %s: %v", outputPath, err)
	}
	got := h.SumHash()
	if wantHash := ca.Hash(); !got.Equal(wantHash) {
		return nix.Hash{}, 0, fmt.Errorf("post-process fixed output %s: nar hash %v does not match content address %v", outputPath, got, wantHash)
	}
	return got, written, nil
}

// postProcessFloatingOutput scans a floating output's content for its
// content address and any self- or input-references, computes its
// final store path, and moves it there (rewriting self-references in
// place if it has any).
func postProcessFloatingOutput(realStoreDir string, buildPath Path, inputs *sortedset.Set[Path]) (*builtOutput, error) {
	realBuildPath := filepath.Join(realStoreDir, buildPath.Base())
	scan, err := scanFloatingOutput(realBuildPath, buildPath.Digest(), inputs)
	if err != nil {
		return nil, fmt.Errorf("post-process %s: %v", buildPath, err)
	}

	finalPath, err := storepath.FixedCAOutputPath(buildPath.Dir(), buildPath.Name(), scan.ca, scan.refs)
	if err != nil {
		return nil, fmt.Errorf("post-process %s: %v", buildPath, err)
	}

	realFinalPath := filepath.Join(realStoreDir, finalPath.Base())
	if _, err := os.Lstat(realFinalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("post-process %s: %v", buildPath, err)
	} else if err == nil {
		if err := os.RemoveAll(realBuildPath); err != nil {
			return nil, fmt.Errorf("post-process %s: clean up redundant build: %v", buildPath, err)
		}
		return nil, fmt.Errorf("post-process %s (resolved to %s): %w", buildPath, finalPath, errFloatingOutputExists)
	}

	var narHash nix.Hash
	if scan.refs.Self {
		narHash, err = finalizeFloatingOutput(realBuildPath, realFinalPath)
		if err != nil {
			return nil, fmt.Errorf("post-process %s: %v", buildPath, err)
		}
	} else {
		if err := os.Rename(realBuildPath, realFinalPath); err != nil {
			return nil, fmt.Errorf("post-process %s: %v", buildPath, err)
		}
		narHash = scan.narHash
	}

	refs := *scan.refs.Others.Clone()
	if scan.refs.Self {
		refs.Add(finalPath)
	}
	return &builtOutput{
		path:       finalPath,
		narHash:    narHash,
		narSize:    scan.narSize,
		ca:         scan.ca,
		references: refs,
	}, nil
}

type outputScanResults struct {
	ca      nix.ContentAddress
	narHash nix.Hash // only meaningful if refs.Self is false
	narSize int64
	refs    storepath.References
}

// scanFloatingOutput reads the freshly built filesystem object at path,
// computing its content address and discovering which of inputs (and
// whether the object itself) it references. digest is path's own
// temporary digest, used to detect self-references.
func scanFloatingOutput(path string, digest string, inputs *sortedset.Set[Path]) (*outputScanResults, error) {
	inputDigests := make([]string, 0, inputs.Len())
	for i := 0; i < inputs.Len(); i++ {
		inputDigests = append(inputDigests, inputs.At(i).Digest())
	}

	var written int64
	h := nix.NewHasher(nix.SHA256)
	refFinder := rewrite.NewRefFinder(inputDigests)
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := nar.DumpPath(io.MultiWriter(&countingWriter{&written}, h, refFinder, pw), path)
		if err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
	}()
	ca, err := storepath.SourceSHA256ContentAddress(digest, pr)
	pr.Close()
	<-done
	if err != nil {
		return nil, err
	}

	refs := storepath.References{}
	found := refFinder.Found()
	for i := 0; i < found.Len(); i++ {
		d := found.At(i)
		if d == digest {
			refs.Self = true
			continue
		}
		idx, ok := sort.Find(inputs.Len(), func(i int) int {
			return strings.Compare(d, inputs.At(i).Digest())
		})
		if !ok {
			return nil, fmt.Errorf("scan internal error: could not find digest %q in inputs", d)
		}
		refs.Others.Add(inputs.At(idx))
	}

	result := &outputScanResults{
		ca:      ca,
		narSize: written,
		refs:    refs,
	}
	if !refs.Self {
		result.narHash = h.SumHash()
	}
	return result, nil
}

// finalizeFloatingOutput moves a self-referencing build output from
// buildPath to finalPath on the real filesystem, rewriting any
// occurrences of its own (now-stale) digest to the final digest as it
// goes.
func finalizeFloatingOutput(buildPath, finalPath string) (narHash nix.Hash, err error) {
	buildDigest := filepath.Base(buildPath)[:storepathDigestLen]
	finalDigest := filepath.Base(finalPath)[:storepathDigestLen]

	h := nix.NewHasher(nix.SHA256)
	if filepath.Clean(buildPath) == filepath.Clean(finalPath) {
		if err := nar.DumpPath(h, buildPath); err != nil {
			return nix.Hash{}, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, err)
		}
		return h.SumHash(), nil
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := nar.DumpPath(pw, buildPath); err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
	}()
	hmr := rewrite.NewHashModuloReader(buildDigest, finalDigest, pr)
	tempDestination := finalPath + ".tmp"
	extractErr := extractNAR(tempDestination, io.TeeReader(hmr, h))
	pr.Close()
	<-done
	if extractErr != nil {
		return nix.Hash{}, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, extractErr)
	}
	if err := os.RemoveAll(buildPath); err != nil {
		return nix.Hash{}, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, err)
	}
	if err := os.Rename(tempDestination, finalPath); err != nil {
		return nix.Hash{}, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, err)
	}
	return h.SumHash(), nil
}

const storepathDigestLen = 32

// extractNAR extracts a NAR stream to the real filesystem at dst,
// creating it fresh. It mirrors [lumeforge.dev/zbe/internal/store]'s
// unexported helper of the same purpose: both packages need it for a
// handful of lines over the same third-party nar.Reader, and neither
// store's nor build's use is worth promoting into shared API surface
// the other package would then depend on.
func extractNAR(dst string, r io.Reader) error {
	nr := nar.NewReader(r)
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		p := filepath.Join(dst, filepath.FromSlash(hdr.Path))
		switch typ := hdr.Mode.Type(); typ {
		case 0:
			perm := os.FileMode(0o644)
			if hdr.Mode&0o111 != 0 {
				perm = 0o755
			}
			f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, nr)
			closeErr := f.Close()
			if err != nil {
				return err
			}
			if closeErr != nil {
				return closeErr
			}
		case fs.ModeDir:
			if err := os.Mkdir(p, 0o755); err != nil {
				return err
			}
		case fs.ModeSymlink:
			if err := os.Symlink(hdr.LinkTarget, p); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unhandled type %v", typ)
		}
	}
}

type countingWriter struct {
	n *int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	*cw.n += int64(len(p))
	return len(p), nil
}
