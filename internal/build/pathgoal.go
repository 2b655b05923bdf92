// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"fmt"
	"io"
	"time"

	"lumeforge.dev/zbe/internal/goal"
	"lumeforge.dev/zbe/internal/store"
	"zombiezen.com/go/log"
)

// PathGoal ensures that a single, non-derivation store path is present
// and valid in the local store: it's a no-op if the path is already
// there, otherwise it tries to substitute it from [Config.Substituter].
// It doubles as the engine's substitution goal (the source material's
// separate "substituter" realization path): it fetches one exact store
// path that is known in advance. A floating output's path is not known
// until it is built, so floating outputs are never fetched this way.
type PathGoal struct {
	cfg  *Config
	path Path

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	fetching  bool
	fetchCh   chan error

	result goal.Result
}

func newPathGoal(cfg *Config, path Path) *PathGoal {
	ctx, cancel := context.WithCancel(context.Background())
	return &PathGoal{
		cfg:       cfg,
		path:      path,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (g *PathGoal) Result() goal.Result { return g.result }

func (g *PathGoal) Cancel() { g.cancel() }

func (g *PathGoal) finish(status goal.Status, err error) (goal.Outcome, error) {
	g.result = goal.Result{
		Status:    status,
		Err:       err,
		StartTime: g.startTime,
		StopTime:  time.Now(),
	}
	g.cancel()
	return goal.Done(), nil
}

func (g *PathGoal) Step() (goal.Outcome, error) {
	if !g.fetching {
		valid, err := g.cfg.Store.IsValidPath(g.ctx, g.path)
		if err != nil {
			return g.finish(goal.StatusFailed, fmt.Errorf("check %s: %v", g.path, err))
		}
		if valid {
			return g.finish(goal.StatusSuccess, nil)
		}
		if g.cfg.Substituter == nil {
			return g.finish(goal.StatusFailed, fmt.Errorf("%s: missing and no substituter configured", g.path))
		}

		ch := make(chan error, 1)
		g.fetchCh = ch
		g.fetching = true
		go func() {
			ch <- g.fetch()
		}()
		return goal.Yield(), nil
	}

	select {
	case err := <-g.fetchCh:
		g.fetchCh = nil
		if err != nil {
			return g.finish(goal.StatusFailed, fmt.Errorf("substitute %s: %v", g.path, err))
		}
		return g.finish(goal.StatusSubstituted, nil)
	default:
		return goal.Yield(), nil
	}
}

// fetch pulls g.path from the configured substituter into the local
// store. [store.Cache] already knows how to lazily materialize a
// fallback object into its primary store on first read, so fetching is
// just reading the object all the way through once.
func (g *PathGoal) fetch() error {
	cache := &store.Cache{Store: g.cfg.Store, Fallback: g.cfg.Substituter}
	obj, err := cache.Object(g.ctx, g.path)
	if err != nil {
		return err
	}
	if err := obj.WriteNAR(g.ctx, io.Discard); err != nil {
		return err
	}
	log.Debugf(g.ctx, "substituted %s", g.path)
	return nil
}
