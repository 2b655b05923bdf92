// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Command zbe drives the derivation build engine from the command line:
// given one or more ".drv" paths already present in the store, it
// realizes every output by building it locally. No substituter is
// configured, so nothing is fetched from a cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"go4.org/xdgdir"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"

	"lumeforge.dev/zbe/internal/build"
	"lumeforge.dev/zbe/internal/goal"
	"lumeforge.dev/zbe/internal/scheduler"
	"lumeforge.dev/zbe/internal/store"
	"lumeforge.dev/zbe/internal/storepath"
)

// Exit codes for the zbe CLI, per the engine's external verb contract:
// 0 success, 1 generic failure, 100 build failure, 101 dependency failure.
const (
	exitSuccess          = 0
	exitGenericFailure   = 1
	exitBuildFailure     = 100
	exitDependencyFailed = 101
)

// exitError carries the process exit code a command failure should
// produce, distinct from the human-readable error cobra prints.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// statusExitError wraps a failed realize goal's result in an exitError
// whose code reflects whether the failure was the goal's own build or a
// dependency's.
func statusExitError(drvPath build.Path, result goal.Result) error {
	code := exitBuildFailure
	if result.Status == goal.StatusDependencyFailed {
		code = exitDependencyFailed
	}
	return &exitError{code: code, err: fmt.Errorf("realize %s: %v", drvPath, result.Err)}
}

// storeDirectoryFlag is a [github.com/spf13/pflag.Value] for a zb store
// directory flag.
type storeDirectoryFlag storepath.Directory

func (f *storeDirectoryFlag) Type() string  { return "string" }
func (f storeDirectoryFlag) String() string { return string(f) }

func (f *storeDirectoryFlag) Set(s string) error {
	dir, err := storepath.CleanDirectory(s)
	if err != nil {
		return err
	}
	*f = storeDirectoryFlag(dir)
	return nil
}

type globalConfig struct {
	storeDirFlag storeDirectoryFlag
	dbPath       string
	buildDir     string
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "zbe",
		Short:         "zb build engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := &globalConfig{
		dbPath:   filepath.Join(xdgdir.Cache.Path(), "zbe", "db.sqlite"),
		buildDir: os.TempDir(),
	}
	rootCommand.PersistentFlags().Var(&g.storeDirFlag, "store", "zb store `directory`")
	rootCommand.PersistentFlags().StringVar(&g.dbPath, "db", g.dbPath, "`path` to the store's metadata database")
	rootCommand.PersistentFlags().StringVar(&g.buildDir, "build-dir", g.buildDir, "scratch `directory` builders run in")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(newRealizeCommand(g))
	rootCommand.AddCommand(newGCCommand(g))
	rootCommand.AddCommand(newDeleteCommand(g))

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		code := exitGenericFailure
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			code = exitErr.code
		}
		os.Exit(code)
	}
}

// openStore resolves g's store directory (falling back to the
// environment default) and opens it for local reads and writes.
func (g *globalConfig) openStore() (*store.LocalStore, error) {
	dir := storepath.Directory(g.storeDirFlag)
	if dir == "" {
		var err error
		dir, err = storepath.DirectoryFromEnvironment()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(g.dbPath), 0o755); err != nil {
		return nil, err
	}
	return store.NewLocalStore(dir, g.dbPath, nil)
}

type realizeOptions struct {
	outLink   string
	nrRepeats int
}

func newRealizeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "realize [options] DRVPATH [...]",
		Short:                 "realize the outputs of one or more derivations",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(realizeOptions)
	c.Flags().StringVarP(&opts.outLink, "out-link", "o", "", "create a symlink named `path` to each realized output")
	c.Flags().IntVar(&opts.nrRepeats, "repeats", 0, "rebuild each derivation this many additional times, failing on a hash mismatch")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runRealize(cmd.Context(), g, opts, args)
	}
	return c
}

func runRealize(ctx context.Context, g *globalConfig, opts *realizeOptions, drvPaths []string) error {
	ls, err := g.openStore()
	if err != nil {
		return fmt.Errorf("realize: %v", err)
	}
	defer func() {
		if err := ls.Close(); err != nil {
			log.Errorf(ctx, "realize: close store: %v", err)
		}
	}()

	cfg := &build.Config{
		Store:     ls,
		BuildDir:  g.buildDir,
		NrRepeats: opts.nrRepeats,
	}
	sched := scheduler.New()

	var outPaths []build.Path
	for _, arg := range drvPaths {
		drvPath, err := resolveDrvPathArg(arg)
		if err != nil {
			return fmt.Errorf("realize: %v", err)
		}

		ref, err := build.Schedule(sched, -1, cfg, drvPath)
		if err != nil {
			return fmt.Errorf("realize %s: %v", drvPath, err)
		}
		result, err := sched.Run(ctx, ref)
		if err != nil {
			return fmt.Errorf("realize %s: %v", drvPath, err)
		}
		if result.Status != goal.StatusSuccess && result.Status != goal.StatusSubstituted {
			return statusExitError(drvPath, result)
		}

		outputs, _ := result.BuiltOutputs.(build.BuiltOutputs)
		for _, name := range sortedKeys(outputs) {
			p := outputs[name]
			fmt.Println(p)
			outPaths = append(outPaths, p)
		}
	}

	if opts.outLink != "" {
		for i, p := range outPaths {
			link := opts.outLink
			if len(outPaths) > 1 {
				link = fmt.Sprintf("%s-%d", opts.outLink, i+1)
			}
			realPath := filepath.Join(ls.RealDir(), p.Base())
			os.Remove(link)
			if err := os.Symlink(realPath, link); err != nil {
				return fmt.Errorf("realize: create out-link: %v", err)
			}
			absLink, err := filepath.Abs(link)
			if err != nil {
				return fmt.Errorf("realize: create out-link: %v", err)
			}
			if err := ls.AddRoot(ctx, "out-link:"+absLink, p); err != nil {
				return fmt.Errorf("realize: register out-link as gc root: %v", err)
			}
		}
	}

	return nil
}

type gcOptions struct {
	dryRun bool
}

func newGCCommand(g *globalConfig) *cobra.Command {
	opts := new(gcOptions)
	c := &cobra.Command{
		Use:           "gc",
		Short:         "delete store paths unreachable from any gc root",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
	}
	c.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print what would be deleted without deleting it")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runGC(cmd.Context(), g, opts)
	}
	return c
}

func runGC(ctx context.Context, g *globalConfig, opts *gcOptions) error {
	ls, err := g.openStore()
	if err != nil {
		return fmt.Errorf("gc: %v", err)
	}
	defer func() {
		if err := ls.Close(); err != nil {
			log.Errorf(ctx, "gc: close store: %v", err)
		}
	}()

	freed, err := ls.DeleteUnreferenced(ctx, opts.dryRun)
	if err != nil {
		return fmt.Errorf("gc: %v", err)
	}
	for _, p := range freed {
		fmt.Println(p)
	}
	return nil
}

type deleteOptions struct {
	ignoreLiveness bool
}

func newDeleteCommand(g *globalConfig) *cobra.Command {
	opts := new(deleteOptions)
	c := &cobra.Command{
		Use:                   "delete [options] STOREPATH [...]",
		Short:                 "delete specific store paths",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().BoolVar(&opts.ignoreLiveness, "ignore-liveness", false, "delete even if the path is a gc root or still referenced")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runDelete(cmd.Context(), g, opts, args)
	}
	return c
}

func runDelete(ctx context.Context, g *globalConfig, opts *deleteOptions, args []string) error {
	ls, err := g.openStore()
	if err != nil {
		return fmt.Errorf("delete: %v", err)
	}
	defer func() {
		if err := ls.Close(); err != nil {
			log.Errorf(ctx, "delete: close store: %v", err)
		}
	}()

	paths := make([]build.Path, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("delete: %v", err)
		}
		p, err := storepath.ParsePath(abs)
		if err != nil {
			return fmt.Errorf("delete: %s is not a store path: %v", arg, err)
		}
		paths = append(paths, p)
	}

	freed, err := ls.DeletePaths(ctx, paths, opts.ignoreLiveness)
	for _, p := range freed {
		fmt.Println(p)
	}
	if err != nil {
		return fmt.Errorf("delete: %v", err)
	}
	return nil
}

func resolveDrvPathArg(arg string) (build.Path, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	p, err := storepath.ParsePath(abs)
	if err != nil {
		return "", fmt.Errorf("%s is not a store path: %v", arg, err)
	}
	if !p.IsDerivation() {
		return "", fmt.Errorf("%s is not a derivation", arg)
	}
	return p, nil
}

func sortedKeys(m build.BuiltOutputs) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func initLogging(showDebug bool) {
	minLogLevel := log.Info
	if showDebug {
		minLogLevel = log.Debug
	}
	log.SetDefault(&log.LevelFilter{
		Min:    minLogLevel,
		Output: log.New(os.Stderr, "zbe: ", log.StdFlags, nil),
	})
}
