// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package drv

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"lumeforge.dev/zbe/internal/sandbox"
	"lumeforge.dev/zbe/internal/sortedset"
)

// Reserved environment variable names that encode a derivation's
// [Options], the same way real Nix overloads a handful of env var names
// (preferLocalBuild, allowSubstitutes, requiredSystemFeatures, ...)
// rather than widening the on-disk derivation format. There is no spare
// field in the ATerm tuple [Derivation.marshalText] writes, so these
// live alongside ordinary builder environment variables and are never
// passed through to the builder itself.
const (
	envOutputHashMode        = "__outputHashMode"
	envSandbox               = "__sandbox"
	envAllowSubstitutes      = "allowSubstitutes"
	envPreferLocalBuild      = "preferLocalBuild"
	envRequiredSystemFeature = "requiredSystemFeatures"
	envAllowedReferences     = "allowedReferences"
	envDisallowedReferences  = "disallowedReferences"
	envAllowedRequisites     = "allowedRequisites"
	envDisallowedRequisites  = "disallowedRequisites"
	envMaxSilentTime         = "maxSilentTime"
	envBuildTimeout          = "buildTimeout"
	envImpureHostDeps        = "impureHostDeps"
)

// reservedEnvNames lists every key [Derivation.Options] consumes, so callers
// building a builder's actual environment (see
// [lumeforge.dev/zbe/internal/build]) can filter them out.
var reservedEnvNames = []string{
	envOutputHashMode,
	envSandbox,
	envAllowSubstitutes,
	envPreferLocalBuild,
	envRequiredSystemFeature,
	envAllowedReferences,
	envDisallowedReferences,
	envAllowedRequisites,
	envDisallowedRequisites,
	envMaxSilentTime,
	envBuildTimeout,
	envImpureHostDeps,
}

// IsReservedEnvName reports whether k is one of the option-encoding
// environment variable names [Derivation.Options] reads, and so should
// not be passed through to a builder's actual process environment.
func IsReservedEnvName(k string) bool {
	for _, name := range reservedEnvNames {
		if k == name {
			return true
		}
	}
	return false
}

// OutputHashMode selects how a fixed or floating output is hashed.
type OutputHashMode int8

const (
	// FlatHashMode hashes a single regular file's contents directly.
	FlatHashMode OutputHashMode = 1 + iota
	// RecursiveHashMode hashes a NAR serialisation of a whole directory tree.
	RecursiveHashMode
	// TextHashMode hashes a single text file for content-addressed derivations
	// (the mode used for .drv files themselves).
	TextHashMode
)

func (m OutputHashMode) String() string {
	switch m {
	case FlatHashMode:
		return "flat"
	case RecursiveHashMode:
		return "recursive"
	case TextHashMode:
		return "text"
	default:
		return "unknown"
	}
}

// Options holds a derivation's out-of-band build configuration: the
// attributes spec.md §4.B calls the "options" enum, none of which affect
// the derivation's store-path identity the way its outputs/env/builder
// do. [Derivation.Options] starts from real Nix's own defaults
// (substitution allowed, no sandbox, no timeouts, no reference
// restrictions); the zero value differs only in that AllowSubstitutes
// is false.
type Options struct {
	// OutputHashMode records the ingestion method floating outputs were
	// declared with; informational, since each [DerivationOutput]
	// already carries its own method.
	OutputHashMode OutputHashMode

	// Sandbox is the isolation level [lumeforge.dev/zbe/internal/sandbox]
	// should enforce for this derivation's build. Only meaningful when
	// SandboxSet is true; otherwise the engine's own configured default
	// applies.
	Sandbox sandbox.Mode
	// SandboxSet reports whether the derivation's env explicitly set a
	// sandbox mode, distinguishing "inherit the engine default" from
	// "explicitly disabled" (both of which read back as [sandbox.Disabled]
	// from an absent reserved env var).
	SandboxSet bool

	// AllowSubstitutes reports whether a missing output may be fetched
	// from a substituter before falling back to a local build.
	AllowSubstitutes bool
	// PreferLocalBuild reports whether the scheduler should prefer a
	// local build slot over a remote builder even when both are able to
	// run this derivation's system.
	PreferLocalBuild bool

	// RequiredSystemFeatures is the set of builder capabilities
	// (e.g. "kvm", "big-parallel") that a build slot must advertise.
	RequiredSystemFeatures sortedset.Set[string]

	// AllowedReferences and DisallowedReferences, when non-nil, bound
	// the set of store paths an output is permitted to directly
	// reference. AllowedRequisites and DisallowedRequisites apply the
	// same bound to an output's whole transitive closure.
	AllowedReferences    *sortedset.Set[Path]
	DisallowedReferences *sortedset.Set[Path]
	AllowedRequisites    *sortedset.Set[Path]
	DisallowedRequisites *sortedset.Set[Path]

	// MaxSilentTime is the longest the builder may run with no output
	// before being killed with a silent-timeout failure. Zero disables
	// the check.
	MaxSilentTime time.Duration
	// BuildTimeout is the longest the builder may run in total before
	// being killed with a timeout failure. Zero disables the check.
	BuildTimeout time.Duration

	// ImpureHostDeps is a set of host paths the sandbox may bind-mount
	// read-only in addition to the derivation's declared closure. Only
	// honoured when Sandbox is [sandbox.Relaxed].
	ImpureHostDeps sortedset.Set[string]
}

// Options parses drv's reserved environment variables (see
// [IsReservedEnvName]) into an [Options] value. It returns an error if a
// reserved variable's value cannot be parsed as the type its name implies.
func (drv *Derivation) Options() (Options, error) {
	opts := Options{
		AllowSubstitutes: true,
	}

	switch drv.Env[envOutputHashMode] {
	case "", "recursive":
		opts.OutputHashMode = RecursiveHashMode
	case "flat":
		opts.OutputHashMode = FlatHashMode
	case "text":
		opts.OutputHashMode = TextHashMode
	default:
		return Options{}, fmt.Errorf("derivation options: %s: unknown output hash mode %q", drv.Name, drv.Env[envOutputHashMode])
	}

	if v, ok := drv.Env[envSandbox]; ok && v != "" {
		opts.SandboxSet = true
		switch v {
		case "disabled":
			opts.Sandbox = sandbox.Disabled
		case "enabled":
			opts.Sandbox = sandbox.Enabled
		case "relaxed":
			opts.Sandbox = sandbox.Relaxed
		default:
			return Options{}, fmt.Errorf("derivation options: %s: unknown sandbox mode %q", drv.Name, v)
		}
	}

	var err error
	if opts.AllowSubstitutes, err = boolEnv(drv.Env, envAllowSubstitutes, true); err != nil {
		return Options{}, fmt.Errorf("derivation options: %s: %w", drv.Name, err)
	}
	if opts.PreferLocalBuild, err = boolEnv(drv.Env, envPreferLocalBuild, false); err != nil {
		return Options{}, fmt.Errorf("derivation options: %s: %w", drv.Name, err)
	}

	opts.RequiredSystemFeatures.Add(splitEnvSet(drv.Env[envRequiredSystemFeature])...)
	opts.ImpureHostDeps.Add(splitEnvSet(drv.Env[envImpureHostDeps])...)

	opts.AllowedReferences, err = pathSetEnv(drv.Env, envAllowedReferences)
	if err != nil {
		return Options{}, fmt.Errorf("derivation options: %s: %w", drv.Name, err)
	}
	opts.DisallowedReferences, err = pathSetEnv(drv.Env, envDisallowedReferences)
	if err != nil {
		return Options{}, fmt.Errorf("derivation options: %s: %w", drv.Name, err)
	}
	opts.AllowedRequisites, err = pathSetEnv(drv.Env, envAllowedRequisites)
	if err != nil {
		return Options{}, fmt.Errorf("derivation options: %s: %w", drv.Name, err)
	}
	opts.DisallowedRequisites, err = pathSetEnv(drv.Env, envDisallowedRequisites)
	if err != nil {
		return Options{}, fmt.Errorf("derivation options: %s: %w", drv.Name, err)
	}

	if opts.MaxSilentTime, err = durationEnv(drv.Env, envMaxSilentTime); err != nil {
		return Options{}, fmt.Errorf("derivation options: %s: %w", drv.Name, err)
	}
	if opts.BuildTimeout, err = durationEnv(drv.Env, envBuildTimeout); err != nil {
		return Options{}, fmt.Errorf("derivation options: %s: %w", drv.Name, err)
	}

	return opts, nil
}

func boolEnv(env map[string]string, key string, deflt bool) (bool, error) {
	v, ok := env[key]
	if !ok || v == "" {
		return deflt, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	return b, nil
}

func durationEnv(env map[string]string, key string) (time.Duration, error) {
	v, ok := env[key]
	if !ok || v == "" {
		return 0, nil
	}
	seconds, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a non-negative number of seconds", key, v)
	}
	return time.Duration(seconds) * time.Second, nil
}

func splitEnvSet(v string) []string {
	return strings.Fields(v)
}

func pathSetEnv(env map[string]string, key string) (*sortedset.Set[Path], error) {
	v, ok := env[key]
	if !ok {
		return nil, nil
	}
	set := new(sortedset.Set[Path])
	for _, field := range strings.Fields(v) {
		p, err := ParsePath(field)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		set.Add(p)
	}
	return set, nil
}
