// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package sandbox prepares the hermetic filesystem and process isolation
// a derivation builder runs under.
//
// The contract is platform-independent (an empty process tree, a
// filesystem view limited to the input closure plus scratch output
// directories, no network unless explicitly allowed) but its
// implementation is necessarily platform-specific: Linux uses mount
// namespaces and a chroot; other platforms have no sandbox and accept only
// [Disabled] builds, which run directly on the host.
package sandbox

import (
	"context"
	"os/exec"

	"lumeforge.dev/zbe/internal/storepath"
	"lumeforge.dev/zbe/sets"
)

// Mode selects how strictly a build is isolated, mirroring a
// derivation's sandbox option.
type Mode int

const (
	// Disabled runs the builder directly in the engine's own filesystem
	// and process namespace. Only appropriate for trusted, impure builds.
	Disabled Mode = iota
	// Enabled requires full isolation; [Prepare] fails if the platform
	// cannot provide it.
	Enabled
	// Relaxed permits the configured ImpureHostDeps bind mounts in
	// addition to the normal sandbox contents.
	Relaxed
)

// Params describes the sandbox an invocation of [Prepare] should construct.
type Params struct {
	// StoreDir is the store directory as seen from inside the sandbox.
	StoreDir storepath.Directory
	// RealStoreDir is where store objects physically live on the host.
	RealStoreDir string

	// WorkDir is the builder's working directory as seen from inside the
	// sandbox (conventionally "/build").
	WorkDir string
	// RealWorkDir is the host directory bind-mounted at WorkDir.
	RealWorkDir string

	// Inputs is the closure of store paths the builder may read.
	Inputs sets.Set[storepath.Path]
	// ExtraPaths maps additional sandbox paths to host paths to bind-mount,
	// populated from a derivation's sandbox-paths option (honoured only
	// in [Relaxed] mode for paths outside the store).
	ExtraPaths map[string]string

	// UID and GID are the identity the builder process runs as inside
	// the sandbox, normally leased from an [lumeforge.dev/zbe/internal/userlock.Pool].
	UID, GID int

	// AllowNetwork permits outbound network access. Only set for
	// fixed-output derivations, per the trusted-output exception.
	AllowNetwork bool
	// Mode selects the isolation strictness.
	Mode Mode
}

// An Instance is a prepared sandbox ready to host a builder process.
// Close tears down any mounts or scratch directories it created,
// regardless of whether the builder ran successfully; it is safe to call
// more than once.
type Instance interface {
	// Command returns an *[exec.Cmd] configured to run path with args
	// inside the sandbox. The returned command has not been started.
	Command(ctx context.Context, path string, args []string) (*exec.Cmd, error)
	// Close releases every resource the sandbox instance holds (bind
	// mounts, scratch directories, file descriptors).
	Close() error
}

// Prepare constructs a sandbox described by params.
// The returned [Instance] must be closed by the caller.
func Prepare(ctx context.Context, params *Params) (Instance, error) {
	return prepare(ctx, params)
}

// Supported reports whether this platform can provide full sandbox
// isolation ([Enabled] mode). Platforms that report false can still
// service [Disabled] builds.
func Supported() bool {
	return supported
}
