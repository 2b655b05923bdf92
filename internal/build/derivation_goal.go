// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"lumeforge.dev/zbe/internal/drv"
	"lumeforge.dev/zbe/internal/goal"
	"lumeforge.dev/zbe/internal/osutil"
	"lumeforge.dev/zbe/internal/sandbox"
	"lumeforge.dev/zbe/internal/scheduler"
	"lumeforge.dev/zbe/internal/sortedset"
	"lumeforge.dev/zbe/internal/storepath"
	"lumeforge.dev/zbe/internal/store"
	"lumeforge.dev/zbe/internal/userlock"
	"lumeforge.dev/zbe/sets"
	"zombiezen.com/go/batchio"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

// derivationPhase is a step of [DerivationGoal]'s state machine. The
// order below is the order phases normally run in; a goal can only
// skip forward (e.g. straight from checkExisting to done when every
// output is already valid in the store), never backward, except for the
// determinism-check loop within supervise/ingest.
type derivationPhase int

const (
	phaseInit derivationPhase = iota
	phaseCheckExisting
	phaseSubstitute
	phaseAwaitInputs
	phaseAcquireSlot
	phaseAcquireUser
	phasePrepareSandbox
	phaseSpawnChild
	phaseSupervise
	phaseIngest
	phaseRegister
	phaseDone
)

// DerivationGoal realizes every output of a single derivation: it
// checks for a realization already on record, waits on its input
// derivations and sources, runs the builder (sandboxed or not), and
// registers the results. It implements [goal.Goal].
type DerivationGoal struct {
	cfg     *Config
	sched   *scheduler.Scheduler
	self    goal.Ref
	drvPath Path

	ctx    context.Context
	cancel context.CancelFunc

	phase     derivationPhase
	startTime time.Time
	err       error

	d       *drv.Derivation
	drvHash nix.Hash
	opts    drv.Options

	// set while phaseSubstitute runs
	substitutePaths map[string]Path
	substituteRefs  []goal.Ref

	// set once inputs are awaited
	inputRefs     []goal.Ref
	inputOutputs  map[drv.OutputReference]Path
	resolvedDrv   *drv.Derivation
	outputPaths   map[string]Path

	slotRef       goal.Ref
	slotScheduled bool
	slotHeld      bool

	lock     *userlock.Lock
	sandboxI sandbox.Instance
	cmd      *exec.Cmd
	buildDir string

	buildStartTime time.Time
	lastOutputNano atomic.Int64
	timeoutErr     error

	// async bridges: exactly one of these channels is being waited on
	// at a time, matching the current phase.
	userCh    chan *userlock.Lock
	sandboxCh chan sandboxResult
	waitCh    chan error

	built          map[string]*builtOutput
	firstRunHashes map[string]nix.Hash
	repeatsLeft    int

	result goal.Result
}

type sandboxResult struct {
	inst sandbox.Instance
	err  error
}

func newDerivationGoal(sched *scheduler.Scheduler, cfg *Config, self goal.Ref, drvPath Path) *DerivationGoal {
	ctx, cancel := context.WithCancel(context.Background())
	return &DerivationGoal{
		cfg:       cfg,
		sched:     sched,
		self:      self,
		drvPath:   drvPath,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (g *DerivationGoal) Result() goal.Result { return g.result }

func (g *DerivationGoal) Cancel() {
	g.cancel()
	if g.lock != nil {
		if err := g.lock.Kill(); err != nil {
			log.Warnf(g.ctx, "kill build user for %s: %v", g.drvPath, err)
		}
	}
}

func (g *DerivationGoal) fail(err error) (goal.Outcome, error) {
	g.err = err
	g.result = goal.Result{
		Status:    goal.StatusFailed,
		Err:       err,
		StartTime: g.startTime,
		StopTime:  time.Now(),
	}
	g.phase = phaseDone
	g.cleanup()
	return goal.Done(), nil
}

func (g *DerivationGoal) succeed(outputs BuiltOutputs, timesBuilt int) (goal.Outcome, error) {
	g.result = goal.Result{
		Status:       goal.StatusSuccess,
		StartTime:    g.startTime,
		StopTime:     time.Now(),
		TimesBuilt:   timesBuilt,
		BuiltOutputs: outputs,
	}
	g.phase = phaseDone
	g.cleanup()
	return goal.Done(), nil
}

func (g *DerivationGoal) succeedSubstituted(outputs BuiltOutputs) (goal.Outcome, error) {
	g.result = goal.Result{
		Status:       goal.StatusSubstituted,
		StartTime:    g.startTime,
		StopTime:     time.Now(),
		BuiltOutputs: outputs,
	}
	g.phase = phaseDone
	g.cleanup()
	return goal.Done(), nil
}

func (g *DerivationGoal) cleanup() {
	if g.sandboxI != nil {
		g.sandboxI.Close()
		g.sandboxI = nil
	}
	if g.lock != nil {
		g.lock.Release()
		g.lock = nil
	}
	if g.slotHeld {
		g.cfg.SlotPool.Release()
		g.slotHeld = false
	}
	if g.buildDir != "" {
		os.RemoveAll(g.buildDir)
		g.buildDir = ""
	}
	g.cancel()
}

// Step advances the derivation's build by one increment. See
// derivationPhase for the phase order.
func (g *DerivationGoal) Step() (goal.Outcome, error) {
	switch g.phase {
	case phaseInit:
		return g.stepInit()
	case phaseCheckExisting:
		return g.stepCheckExisting()
	case phaseSubstitute:
		return g.stepSubstitute()
	case phaseAwaitInputs:
		return g.stepAwaitInputs()
	case phaseAcquireSlot:
		return g.stepAcquireSlot()
	case phaseAcquireUser:
		return g.stepAcquireUser()
	case phasePrepareSandbox:
		return g.stepPrepareSandbox()
	case phaseSpawnChild:
		return g.stepSpawnChild()
	case phaseSupervise:
		return g.stepSupervise()
	case phaseIngest:
		return g.stepIngest()
	case phaseRegister:
		return g.stepRegister()
	default:
		return goal.Done(), nil
	}
}

func (g *DerivationGoal) stepInit() (goal.Outcome, error) {
	d, err := readDerivation(g.cfg, g.drvPath)
	if err != nil {
		return g.fail(err)
	}
	g.d = d

	opts, err := d.Options()
	if err != nil {
		return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
	}
	g.opts = opts

	graph, err := loadDerivationClosure(g.cfg, g.drvPath)
	if err != nil {
		return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
	}
	hashes, err := drv.HashDerivations(graph)
	if err != nil {
		return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
	}
	g.drvHash = hashes[g.drvPath]

	g.phase = phaseCheckExisting
	return goal.Yield(), nil
}

// stepCheckExisting finishes the goal if every output is already valid
// (an input-addressed derivation's known paths, or a realization on
// record for its equivalence class). Otherwise, when substitution is
// allowed and every output's path is known before building, it moves
// on to phaseSubstitute; failing that, to a build.
// These are local SQLite reads, not network or subprocess waits, so
// they're treated like the rest of this phase's plain file I/O rather
// than routed through an async bridge.
func (g *DerivationGoal) stepCheckExisting() (goal.Outcome, error) {
	if paths, ok := inputAddressedOutputPaths(g.d); ok {
		outputs := make(BuiltOutputs, len(paths))
		allValid := true
		for name, p := range paths {
			valid, err := g.cfg.Store.IsValidPath(g.ctx, p)
			if err != nil {
				return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
			}
			if !valid {
				allValid = false
				break
			}
			outputs[name] = p
		}
		if allValid {
			return g.succeed(outputs, 0)
		}
	} else if !g.drvHash.IsZero() {
		existing, err := g.cfg.Store.FetchRealizations(g.ctx, g.drvHash)
		if err != nil {
			return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
		}
		if len(existing) == len(g.d.Outputs) {
			outputs := make(BuiltOutputs, len(existing))
			allValid := true
			for name, r := range existing {
				ok, err := g.cfg.Store.IsValidPath(g.ctx, r.OutputPath)
				if err != nil {
					return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
				}
				if !ok {
					allValid = false
					break
				}
				outputs[name] = r.OutputPath
			}
			if allValid {
				return g.succeed(outputs, 0)
			}
		}
	}

	if !canBuildLocally(g.d) {
		return g.fail(fmt.Errorf("build %s: a %s system is required, but host is local", g.drvPath, g.d.System))
	}
	if missing, ok := setIsSubset(&g.opts.RequiredSystemFeatures, &g.cfg.SystemFeatures); !ok {
		return g.fail(fmt.Errorf("build %s: host is missing required system feature %q", g.drvPath, missing))
	}

	if g.opts.AllowSubstitutes && g.cfg.Substituter != nil {
		if paths, ok := substitutableOutputPaths(g.d); ok {
			g.substitutePaths = paths
			g.phase = phaseSubstitute
			return goal.Yield(), nil
		}
	}

	g.phase = phaseAwaitInputs
	return goal.Yield(), nil
}

// substitutableOutputPaths returns the known store path of every output
// of d, for the two output kinds whose path is knowable before a build
// ever runs (and so can be asked for from a substituter up front): a
// fixed content-addressed output, or a fully input-addressed
// derivation's outputs. A floating output's path depends on what the
// builder actually produces, so there's nothing to substitute against
// until that's known.
func substitutableOutputPaths(d *drv.Derivation) (map[string]Path, bool) {
	if p, ok := fixedOutputPath(d); ok {
		return map[string]Path{drv.DefaultDerivationOutputName: p}, true
	}
	return inputAddressedOutputPaths(d)
}

// stepSubstitute asks [Config.Substituter] (via [PathGoal], the same
// goal a build's own missing input sources go through) for every
// output path [substitutableOutputPaths] found knowable, before
// falling back to a local build. Any output that couldn't be
// substituted just leaves AwaitInputs/the rest of the pipeline to run
// as if substitution had never been attempted — a missing substituter
// entry is not a build failure.
func (g *DerivationGoal) stepSubstitute() (goal.Outcome, error) {
	if g.substituteRefs == nil {
		refs := make([]goal.Ref, 0, len(g.substitutePaths))
		for _, p := range g.substitutePaths {
			ref, err := SchedulePath(g.sched, g.self, g.cfg, p)
			if err != nil {
				return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
			}
			refs = append(refs, ref)
		}
		g.substituteRefs = refs
		return goal.Await(refs...), nil
	}

	outputs := make(BuiltOutputs, len(g.substitutePaths))
	allValid := true
	for name, p := range g.substitutePaths {
		valid, err := g.cfg.Store.IsValidPath(g.ctx, p)
		if err != nil {
			return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
		}
		if !valid {
			allValid = false
			break
		}
		outputs[name] = p
	}
	if allValid {
		return g.succeedSubstituted(outputs)
	}

	g.phase = phaseAwaitInputs
	return goal.Yield(), nil
}

// setIsSubset reports whether every element of sub is present in super,
// returning the first missing element (and false) otherwise.
func setIsSubset(sub, super *sortedset.Set[string]) (string, bool) {
	for i := 0; i < sub.Len(); i++ {
		x := sub.At(i)
		found := false
		for j := 0; j < super.Len(); j++ {
			if super.At(j) == x {
				found = true
				break
			}
		}
		if !found {
			return x, false
		}
	}
	return "", true
}

// stepAwaitInputs schedules a goal for every input derivation output
// and input source this derivation needs, then waits on all of them
// together.
func (g *DerivationGoal) stepAwaitInputs() (goal.Outcome, error) {
	if g.inputRefs == nil {
		var refs []goal.Ref
		for ref := range g.d.InputDerivationOutputs() {
			childRef, err := Schedule(g.sched, g.self, g.cfg, ref.DrvPath)
			if err != nil {
				return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
			}
			refs = append(refs, childRef)
		}
		for i := 0; i < g.d.InputSources.Len(); i++ {
			childRef, err := SchedulePath(g.sched, g.self, g.cfg, g.d.InputSources.At(i))
			if err != nil {
				return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
			}
			refs = append(refs, childRef)
		}
		g.inputRefs = refs
		if len(refs) == 0 {
			return g.afterInputs()
		}
		return goal.Await(refs...), nil
	}
	return g.afterInputs()
}

// isSatisfied reports whether status represents a goal whose target is
// now valid and usable by a dependent, whether it got there by
// building, by reuse, or by substitution.
func isSatisfied(status goal.Status) bool {
	return status == goal.StatusSuccess || status == goal.StatusSubstituted
}

func (g *DerivationGoal) afterInputs() (goal.Outcome, error) {
	g.inputOutputs = make(map[drv.OutputReference]Path)
	for ref := range g.d.InputDerivationOutputs() {
		childRef, _ := g.sched.Lookup(derivationKey(ref.DrvPath))
		res := g.sched.Result(childRef)
		if !isSatisfied(res.Status) {
			return g.failDependency()
		}
		outputs, _ := res.BuiltOutputs.(BuiltOutputs)
		path, ok := outputs[ref.OutputName]
		if !ok {
			return g.fail(fmt.Errorf("build %s: input %s produced no %s output", g.drvPath, ref.DrvPath, ref.OutputName))
		}
		g.inputOutputs[ref] = path
	}
	for i := 0; i < g.d.InputSources.Len(); i++ {
		src := g.d.InputSources.At(i)
		childRef, _ := g.sched.Lookup(pathKey(src))
		if !isSatisfied(g.sched.Result(childRef).Status) {
			return g.failDependency()
		}
	}

	if err := g.resolve(); err != nil {
		return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
	}

	if g.cfg.SlotPool != nil {
		g.phase = phaseAcquireSlot
	} else {
		g.phase = g.phaseAfterSlot()
	}
	return goal.Yield(), nil
}

// phaseAfterSlot returns the phase to run once a build slot (if any)
// has been reserved: AcquireUser when a UID/GID pool is configured,
// otherwise straight to sandboxing or spawning depending on
// sandboxMode.
func (g *DerivationGoal) phaseAfterSlot() derivationPhase {
	switch {
	case g.cfg.Users != nil:
		return phaseAcquireUser
	case g.sandboxMode() != sandbox.Disabled:
		return phasePrepareSandbox
	default:
		return phaseSpawnChild
	}
}

// sandboxMode returns the isolation level this derivation's build
// should run under: the derivation's own [drv.Options.Sandbox] if its
// env explicitly set one, otherwise the engine-wide default.
func (g *DerivationGoal) sandboxMode() sandbox.Mode {
	if g.opts.SandboxSet {
		return g.opts.Sandbox
	}
	return g.cfg.SandboxMode
}

// stepAcquireSlot reserves a build slot from [Config.SlotPool] before
// this derivation is allowed to occupy build capacity (local CPU, or
// capacity borrowed from a remote builder), the same way
// [stepAcquireUser] reserves a UID/GID. A derivation that sets
// [drv.Options.PreferLocalBuild] doesn't change which pool is used
// here — this engine has only ever modeled one pool per [Config] — but
// the field is kept on [drv.Options] for when remote-builder dispatch
// is added, at which point PreferLocalBuild becomes the tiebreaker
// between pools rather than a no-op.
func (g *DerivationGoal) stepAcquireSlot() (goal.Outcome, error) {
	if !g.slotScheduled {
		ref, err := g.sched.ScheduleSlot(g.self, derivationKey(g.drvPath)+":slot", g.cfg.SlotPool)
		if err != nil {
			return g.fail(fmt.Errorf("build %s: acquire build slot: %v", g.drvPath, err))
		}
		g.slotRef = ref
		g.slotScheduled = true
		return goal.Await(ref), nil
	}
	if !g.slotHeld {
		if !isSatisfied(g.sched.Result(g.slotRef).Status) {
			return g.fail(fmt.Errorf("build %s: acquire build slot failed", g.drvPath))
		}
		g.slotHeld = true
	}
	g.phase = g.phaseAfterSlot()
	return goal.Yield(), nil
}

func (g *DerivationGoal) failDependency() (goal.Outcome, error) {
	g.result = goal.Result{
		Status:    goal.StatusDependencyFailed,
		StartTime: g.startTime,
		StopTime:  time.Now(),
	}
	g.phase = phaseDone
	g.cleanup()
	return goal.Done(), nil
}

// resolve computes the buildable derivation: the builder, arguments
// and environment with every output placeholder and input-derivation
// placeholder replaced by a real store path, plus the set of output
// paths the builder should be told to write to.
//
// The source material resolves input-derivation placeholders by
// rewriting and re-exporting a whole new ".drv" file to the store
// (resolveDerivation), a trick its non-content-addressed derivation
// model needs so a remote builder or a later cache lookup can address
// the resolved build by a literal store path. Here, a derivation's
// outputs are either content-addressed (see [validateOutputs]) or
// input-addressed with their store path fixed before the build ever
// runs (see [drv.InputAddressedOutputPath]), so the final output path
// is already known either way; the only placeholders left to expand
// at build time are ones this engine's own equivalence-class
// accounting already resolves. There's no separate resolved-derivation
// artifact worth persisting, so the placeholder substitution is folded
// into one in-memory rewrite alongside the outputs' own placeholders.
func (g *DerivationGoal) resolve() error {
	outputPaths, _, err := tempOutputPaths(g.drvPath, g.d.Outputs)
	if err != nil {
		return err
	}
	g.outputPaths = outputPaths

	var pairs []string
	for name, path := range outputPaths {
		pairs = append(pairs, drv.HashPlaceholder(name), string(path))
	}
	newInputs := new(sortedset.Set[Path])
	for ref, path := range g.inputOutputs {
		pairs = append(pairs, drv.UnknownCAOutputPlaceholder(ref.DrvPath, ref.OutputName), string(path))
		newInputs.Add(path)
	}

	r := strings.NewReplacer(pairs...)
	resolved := expandDerivationPlaceholders(r, g.d)
	resolved.InputSources.AddSet(newInputs)
	g.resolvedDrv = resolved
	return nil
}

func (g *DerivationGoal) stepAcquireUser() (goal.Outcome, error) {
	if g.userCh == nil {
		ch := make(chan *userlock.Lock, 1)
		g.userCh = ch
		go func() {
			lock, err := g.cfg.Users.Acquire(g.ctx)
			if err != nil {
				log.Warnf(g.ctx, "acquire build user for %s: %v", g.drvPath, err)
			}
			ch <- lock
		}()
		return goal.Yield(), nil
	}
	select {
	case lock := <-g.userCh:
		g.lock = lock
		g.userCh = nil
		if g.sandboxMode() != sandbox.Disabled {
			g.phase = phasePrepareSandbox
		} else {
			g.phase = phaseSpawnChild
		}
		return goal.Yield(), nil
	default:
		return goal.Yield(), nil
	}
}

func (g *DerivationGoal) sandboxParams() *sandbox.Params {
	_, fixed := fixedOutputPath(g.resolvedDrv)
	uid, gid := 0, 0
	if g.lock != nil {
		uid, gid = g.lock.UID(), g.lock.GID()
	}
	return &sandbox.Params{
		StoreDir:     g.cfg.Store.Dir(),
		RealStoreDir: g.cfg.Store.RealDir(),
		WorkDir:      "/build",
		RealWorkDir:  g.buildDir,
		Inputs:       sortedSetToSandboxSet(&g.resolvedDrv.InputSources),
		UID:          uid,
		GID:          gid,
		AllowNetwork: fixed,
		Mode:         g.sandboxMode(),
	}
}

func (g *DerivationGoal) stepPrepareSandbox() (goal.Outcome, error) {
	if g.sandboxCh == nil {
		buildDir, err := os.MkdirTemp(g.cfg.BuildDir, "zbe-build-*")
		if err != nil {
			return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
		}
		g.buildDir = buildDir

		ch := make(chan sandboxResult, 1)
		g.sandboxCh = ch
		params := g.sandboxParams()
		go func() {
			inst, err := sandbox.Prepare(g.ctx, params)
			ch <- sandboxResult{inst: inst, err: err}
		}()
		return goal.Yield(), nil
	}
	select {
	case res := <-g.sandboxCh:
		g.sandboxCh = nil
		if res.err != nil {
			return g.fail(fmt.Errorf("build %s: prepare sandbox: %v", g.drvPath, res.err))
		}
		g.sandboxI = res.inst
		g.phase = phaseSpawnChild
		return goal.Yield(), nil
	default:
		return goal.Yield(), nil
	}
}

func (g *DerivationGoal) stepSpawnChild() (goal.Outcome, error) {
	if g.buildDir == "" {
		buildDir, err := os.MkdirTemp(g.cfg.BuildDir, "zbe-build-*")
		if err != nil {
			return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
		}
		g.buildDir = buildDir
	}

	var cmd *exec.Cmd
	var err error
	if g.sandboxI != nil {
		cmd, err = g.sandboxI.Command(g.ctx, g.resolvedDrv.Builder, g.resolvedDrv.Args)
	} else {
		cmd = exec.CommandContext(g.ctx, g.resolvedDrv.Builder, g.resolvedDrv.Args...)
	}
	if err != nil {
		return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
	}

	env := baseBuildEnv(g.cfg.Store.Dir(), g.buildDir, g.outputPaths)
	for k, v := range g.resolvedDrv.Env {
		if drv.IsReservedEnvName(k) {
			// Options-encoding keys (see drv.Options) configure the
			// engine, not the builder; never let the builder see them.
			continue
		}
		env[k] = v
	}
	for k, v := range sortedEnv(env) {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if cmd.Dir == "" {
		cmd.Dir = g.buildDir
	}

	g.buildStartTime = time.Now()
	g.lastOutputNano.Store(g.buildStartTime.UnixNano())
	g.timeoutErr = nil

	logWriter := &buildLogWriter{ctx: g.ctx, drvPath: g.drvPath, lastOutputNano: &g.lastOutputNano}
	buffered := batchio.NewWriter(logWriter, 8192, time.Second)
	cmd.Stdout = buffered
	cmd.Stderr = buffered

	if err := cmd.Start(); err != nil {
		buffered.Flush()
		return g.fail(fmt.Errorf("build %s: start builder: %v", g.drvPath, err))
	}
	g.cmd = cmd

	ch := make(chan error, 1)
	g.waitCh = ch
	go func() {
		err := cmd.Wait()
		buffered.Flush()
		ch <- err
	}()

	g.phase = phaseSupervise
	return goal.Yield(), nil
}

func (g *DerivationGoal) stepSupervise() (goal.Outcome, error) {
	select {
	case err := <-g.waitCh:
		g.waitCh = nil
		g.cmd = nil
		if g.timeoutErr != nil {
			return g.fail(fmt.Errorf("build %s: %w", g.drvPath, g.timeoutErr))
		}
		if err != nil {
			return g.fail(fmt.Errorf("build %s: %w", g.drvPath, err))
		}
		g.phase = phaseIngest
		return goal.Yield(), nil
	default:
		g.checkTimeouts()
		return goal.Yield(), nil
	}
}

// checkTimeouts kills the running builder if it has exceeded
// [drv.Options.BuildTimeout] (total wall-clock time) or
// [drv.Options.MaxSilentTime] (time since its last stdout/stderr
// write), recording which one fired in g.timeoutErr so stepSupervise
// reports it instead of whatever exit status killing the process
// produces. A zero duration disables the corresponding check.
func (g *DerivationGoal) checkTimeouts() {
	if g.cmd == nil || g.cmd.Process == nil || g.timeoutErr != nil {
		return
	}
	now := time.Now()
	switch {
	case g.opts.BuildTimeout > 0 && now.Sub(g.buildStartTime) > g.opts.BuildTimeout:
		g.timeoutErr = fmt.Errorf("timed out after %s", g.opts.BuildTimeout)
	case g.opts.MaxSilentTime > 0:
		last := time.Unix(0, g.lastOutputNano.Load())
		if now.Sub(last) > g.opts.MaxSilentTime {
			g.timeoutErr = fmt.Errorf("no output for %s, exceeding max silent time", g.opts.MaxSilentTime)
		}
	}
	if g.timeoutErr != nil {
		if err := g.cmd.Process.Kill(); err != nil {
			log.Warnf(g.ctx, "kill timed-out build %s: %v", g.drvPath, err)
		}
	}
}

func (g *DerivationGoal) stepIngest() (goal.Outcome, error) {
	built := make(map[string]*builtOutput, len(g.resolvedDrv.Outputs))
	for name, outType := range g.resolvedDrv.Outputs {
		out, err := postProcessBuiltOutput(g.cfg.Store.RealDir(), g.outputPaths[name], outType, &g.resolvedDrv.InputSources)
		if err != nil {
			if errors.Is(err, errFloatingOutputExists) {
				// The output is already in the store under its
				// final name; re-read it so registration is a no-op.
				continue
			}
			return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
		}
		built[name] = out
	}
	g.built = built

	if err := g.checkReferencePolicy(); err != nil {
		return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
	}

	if g.cfg.NrRepeats > 0 && g.firstRunHashes == nil {
		g.firstRunHashes = make(map[string]nix.Hash, len(built))
		for name, out := range built {
			g.firstRunHashes[name] = out.narHash
		}
		g.repeatsLeft = g.cfg.NrRepeats
		if err := g.startRepeat(); err != nil {
			return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
		}
		g.phase = phaseSupervise
		return goal.Yield(), nil
	}
	if g.repeatsLeft > 0 {
		for name, out := range built {
			if want := g.firstRunHashes[name]; !want.IsZero() && !want.Equal(out.narHash) {
				return g.fail(fmt.Errorf("build %s: output %s: %w", g.drvPath, name, ErrNonDeterministic))
			}
		}
		g.repeatsLeft--
		if g.repeatsLeft > 0 {
			if err := g.startRepeat(); err != nil {
				return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
			}
			g.phase = phaseSupervise
			return goal.Yield(), nil
		}
	}

	g.phase = phaseRegister
	return goal.Yield(), nil
}

// startRepeat reruns the builder in a fresh scratch directory so its
// output hash can be compared against the first run's. The repeat
// writes to the same g.outputPaths as the first run: a floating
// output's temporary path, or a fixed or input-addressed output's final
// path, where the first run's output is.
func (g *DerivationGoal) startRepeat() error {
	if err := os.RemoveAll(g.buildDir); err != nil {
		return err
	}
	g.buildDir = ""
	outcome, err := g.stepSpawnChild()
	if err != nil {
		return err
	}
	_ = outcome
	return nil
}

// checkReferencePolicy enforces this derivation's
// [drv.Options.AllowedReferences]/DisallowedReferences/AllowedRequisites/
// DisallowedRequisites against the outputs just built, failing the
// build if any output's references (or, for the Requisites variants,
// its whole transitive closure) violate them. A nil bound means no
// restriction, matching [drv.Options]'s zero value.
func (g *DerivationGoal) checkReferencePolicy() error {
	opts := &g.opts
	if opts.AllowedReferences == nil && opts.DisallowedReferences == nil &&
		opts.AllowedRequisites == nil && opts.DisallowedRequisites == nil {
		return nil
	}
	for name, out := range g.built {
		for i := 0; i < out.references.Len(); i++ {
			ref := out.references.At(i)
			if opts.AllowedReferences != nil && !setContainsPath(opts.AllowedReferences, ref) {
				return fmt.Errorf("output %s references %s, not in allowedReferences", name, ref)
			}
			if opts.DisallowedReferences != nil && setContainsPath(opts.DisallowedReferences, ref) {
				return fmt.Errorf("output %s references %s, which is disallowed", name, ref)
			}
		}
		if opts.AllowedRequisites == nil && opts.DisallowedRequisites == nil {
			continue
		}
		closure, err := closureOf(g.ctx, g.cfg.Store, &out.references)
		if err != nil {
			return fmt.Errorf("compute requisites of output %s: %v", name, err)
		}
		closure.Add(out.path)
		for i := 0; i < closure.Len(); i++ {
			p := closure.At(i)
			if opts.AllowedRequisites != nil && !setContainsPath(opts.AllowedRequisites, p) {
				return fmt.Errorf("output %s requires %s, not in allowedRequisites", name, p)
			}
			if opts.DisallowedRequisites != nil && setContainsPath(opts.DisallowedRequisites, p) {
				return fmt.Errorf("output %s requires %s, which is disallowed", name, p)
			}
		}
	}
	return nil
}

// closureOf walks the store's recorded references transitively,
// starting from direct, to compute the full set of store paths the
// caller's output set ends up requiring at runtime.
func closureOf(ctx context.Context, st *store.LocalStore, direct *sortedset.Set[Path]) (*sortedset.Set[Path], error) {
	seen := new(sortedset.Set[Path])
	queue := make([]Path, 0, direct.Len())
	for i := 0; i < direct.Len(); i++ {
		p := direct.At(i)
		seen.Add(p)
		queue = append(queue, p)
	}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		obj, err := st.Object(ctx, p)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		refs := obj.Trailer().References
		for i := 0; i < refs.Len(); i++ {
			r := refs.At(i)
			if !setContainsPath(seen, r) {
				seen.Add(r)
				queue = append(queue, r)
			}
		}
	}
	return seen, nil
}

// setContainsPath reports whether s contains p.
func setContainsPath(s *sortedset.Set[Path], p Path) bool {
	for i := 0; i < s.Len(); i++ {
		if s.At(i) == p {
			return true
		}
	}
	return false
}

func (g *DerivationGoal) stepRegister() (goal.Outcome, error) {
	infos := make([]*store.ObjectInfo, 0, len(g.built))
	outputs := make(map[string]store.RealizationOutput, len(g.built))
	result := make(BuiltOutputs, len(g.resolvedDrv.Outputs))

	for name, out := range g.built {
		infos = append(infos, &store.ObjectInfo{
			StorePath:  out.path,
			NARHash:    out.narHash,
			NARSize:    out.narSize,
			References: out.references,
			Deriver:    g.drvPath,
			CA:         out.ca,
		})
		outputs[name] = store.RealizationOutput{
			Path:       out.path,
			References: referenceClasses(out.references),
		}
		result[name] = out.path
	}

	if len(infos) > 0 {
		if err := g.cfg.Store.RegisterValidPaths(g.ctx, infos); err != nil {
			return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
		}
	}
	if !g.drvHash.IsZero() {
		if err := g.cfg.Store.RecordRealizations(g.ctx, g.drvHash, outputs); err != nil {
			return g.fail(fmt.Errorf("build %s: %v", g.drvPath, err))
		}
	}
	for _, out := range g.built {
		freezeRealPath(g.ctx, filepath.Join(g.cfg.Store.RealDir(), out.path.Base()))
	}

	timesBuilt := 1
	if g.cfg.NrRepeats > 0 {
		timesBuilt += g.cfg.NrRepeats
	}
	return g.succeed(result, timesBuilt)
}

// inputAddressedOutputPaths returns the known store path of every
// output of d, if d's outputs are input-addressed (see
// [drv.InputAddressedOutput]). [validateOutputs] guarantees a
// derivation's outputs are never a mix of input-addressed and
// content-addressed, so checking one output tells us about all of
// them. These paths never depend on a build actually running, which is
// what lets [DerivationGoal.stepCheckExisting] skip straight to a
// validity check instead of waiting on a recorded realization.
func inputAddressedOutputPaths(d *drv.Derivation) (map[string]Path, bool) {
	for name := range d.Outputs {
		if !d.Outputs[name].IsInputAddressed() {
			return nil, false
		}
		break
	}
	paths := make(map[string]Path, len(d.Outputs))
	for name, out := range d.Outputs {
		p, ok := out.Path(d.Dir, d.Name, name)
		if !ok {
			return nil, false
		}
		paths[name] = p
	}
	return paths, true
}

// fixedOutputPath returns the store path of d's sole fixed output, if it has one.
func fixedOutputPath(d *drv.Derivation) (Path, bool) {
	if len(d.Outputs) != 1 {
		return "", false
	}
	out := d.Outputs[drv.DefaultDerivationOutputName]
	if out == nil || !out.IsFixed() {
		return "", false
	}
	return out.Path(d.Dir, d.Name, drv.DefaultDerivationOutputName)
}

func readDerivation(cfg *Config, drvPath Path) (*drv.Derivation, error) {
	name, ok := derivationName(drvPath)
	if !ok {
		return nil, fmt.Errorf("read derivation %s: not a %s file", drvPath, storepath.DerivationExt)
	}
	realPath := filepath.Join(cfg.Store.RealDir(), drvPath.Base())
	data, err := os.ReadFile(realPath)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", drvPath, err)
	}
	d, err := drv.ParseDerivation(cfg.Store.Dir(), name, data)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", drvPath, err)
	}
	if err := validateOutputs(d); err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", drvPath, err)
	}
	return d, nil
}

// loadDerivationClosure reads root and every derivation it transitively
// depends on from the store, so their equivalence-class hashes can be
// computed together with [drv.HashDerivations]. Derivations are always
// already present locally: the evaluator that produced root wrote its
// whole input closure of ".drv" files to the store before this engine
// ever sees root, the same assumption the source material's realize
// path makes in [readDerivation].
func loadDerivationClosure(cfg *Config, root Path) (map[Path]*drv.Derivation, error) {
	graph := make(map[Path]*drv.Derivation)
	stack := []Path{root}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := graph[p]; ok {
			continue
		}
		d, err := readDerivation(cfg, p)
		if err != nil {
			return nil, err
		}
		graph[p] = d
		for inputDrvPath := range d.InputDerivations {
			if _, ok := graph[inputDrvPath]; !ok {
				stack = append(stack, inputDrvPath)
			}
		}
	}
	return graph, nil
}

func referenceClasses(refs sortedset.Set[Path]) map[Path][]drv.EquivalenceClass {
	if refs.Len() == 0 {
		return nil
	}
	out := make(map[Path][]drv.EquivalenceClass, refs.Len())
	for i := 0; i < refs.Len(); i++ {
		out[refs.At(i)] = nil
	}
	return out
}

func sortedSetToSandboxSet(s *sortedset.Set[Path]) sets.Set[Path] {
	out := make(sets.Set[Path], s.Len())
	for i := 0; i < s.Len(); i++ {
		out.Add(s.At(i))
	}
	return out
}

// baseBuildEnv returns the environment variables every build gets
// regardless of its derivation's own Env, mirroring a conventional
// Nix-style builder environment: each output name bound to its
// (possibly temporary) store path, HOME set to the nonexistent
// /homeless-shelter, and TMPDIR (with its aliases) and PWD pointing
// into the build's own work directory, so builders can't accidentally
// depend on the invoking user's environment.
func baseBuildEnv(storeDir storepath.Directory, buildDir string, outputPaths map[string]Path) map[string]string {
	env := map[string]string{
		"NIX_STORE": string(storeDir),
		"HOME":      "/homeless-shelter",
		"TMPDIR":    buildDir,
		"TEMPDIR":   buildDir,
		"TEMP":      buildDir,
		"TMP":       buildDir,
		"PWD":       buildDir,
	}
	for name, path := range outputPaths {
		env[name] = string(path)
	}
	return env
}

func sortedEnv(env map[string]string) map[string]string {
	// Returns env unchanged: range order over a Go map is randomized,
	// so the cmd.Env that stepSpawnChild builds from it has no stable
	// ordering.
	return env
}

// buildLogWriter forwards a builder's combined stdout/stderr to the
// engine's own structured logger, tagged with the derivation being
// built, mirroring the source material's per-build RPC logger. It also
// stamps lastOutputNano on every write so [DerivationGoal.stepSupervise]
// can enforce [drv.Options.MaxSilentTime] without a second goroutine.
type buildLogWriter struct {
	ctx            context.Context
	drvPath        Path
	lastOutputNano *atomic.Int64
}

func (w *buildLogWriter) Write(p []byte) (int, error) {
	w.lastOutputNano.Store(time.Now().UnixNano())
	log.Infof(w.ctx, "%s: %s", w.drvPath, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func freezeRealPath(ctx context.Context, path string) {
	// Registration already verifies content; freezing is best-effort
	// hardening against accidental later writes, so failures are
	// logged rather than propagated.
	err := osutil.Freeze(path, time.Time{}, func(err error) error {
		log.Warnf(ctx, "freeze %s: %v", path, err)
		return nil
	})
	if err != nil {
		log.Warnf(ctx, "freeze %s: %v", path, err)
	}
}
