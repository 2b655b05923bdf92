// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"

	"lumeforge.dev/zbe/sets"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// AddRoot registers path as reachable under the indirect root name,
// keeping it (and its reference closure) alive across a [LocalStore.DeleteUnreferenced]
// sweep until [LocalStore.RemoveRoot] is called with the same name.
// A second call with the same name replaces the path it was pinned to.
func (ls *LocalStore) AddRoot(ctx context.Context, name string, path Path) (err error) {
	conn, err := ls.db.Get(ctx)
	if err != nil {
		return err
	}
	defer ls.db.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("add gc root %s: %v", name, err)
	}
	defer endFn(&err)

	if err := upsertPath(conn, path); err != nil {
		return fmt.Errorf("add gc root %s: %v", name, err)
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO roots (name, path) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET path = excluded.path;`,
		&sqlitex.ExecOptions{Args: []any{name, string(path)}},
	)
	if err != nil {
		return fmt.Errorf("add gc root %s: %v", name, err)
	}
	return nil
}

// RemoveRoot un-registers the indirect root name added by [LocalStore.AddRoot].
// It is not an error if name was never registered.
func (ls *LocalStore) RemoveRoot(ctx context.Context, name string) error {
	conn, err := ls.db.Get(ctx)
	if err != nil {
		return err
	}
	defer ls.db.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM roots WHERE name = ?;`, &sqlitex.ExecOptions{
		Args: []any{name},
	})
	if err != nil {
		return fmt.Errorf("remove gc root %s: %v", name, err)
	}
	return nil
}

// LiveRoots iterates the store paths currently pinned by a registered
// indirect root. Iteration stops (yielding a non-nil error as the second
// value) on the first database error.
func (ls *LocalStore) LiveRoots(ctx context.Context) iter.Seq2[Path, error] {
	return func(yield func(Path, error) bool) {
		conn, err := ls.db.Get(ctx)
		if err != nil {
			yield("", err)
			return
		}
		defer ls.db.Put(conn)

		stop := false
		execErr := sqlitex.Execute(conn, `SELECT DISTINCT path FROM roots;`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if !yield(Path(stmt.ColumnText(0)), nil) {
					stop = true
					return errStopIteration
				}
				return nil
			},
		})
		if stop {
			return
		}
		if execErr != nil {
			yield("", fmt.Errorf("live roots: %v", execErr))
		}
	}
}

// errStopIteration unwinds out of a sqlitex.ResultFunc when the caller's
// yield function asks iteration to stop early; it never reaches LiveRoots'
// own caller as an error.
var errStopIteration = errors.New("gc: iteration stopped")

// liveClosure computes the transitive reference closure of every
// registered root, using conn's current view of the refs table.
func liveClosure(conn *sqlite.Conn) (sets.Set[Path], error) {
	live := make(sets.Set[Path])
	var queue []Path

	err := sqlitex.Execute(conn, `SELECT DISTINCT path FROM roots;`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p := Path(stmt.ColumnText(0))
			if !live.Has(p) {
				live.Add(p)
				queue = append(queue, p)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("compute live roots: %v", err)
	}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		err := sqlitex.Execute(conn, `SELECT reference FROM refs WHERE referrer = ?;`, &sqlitex.ExecOptions{
			Args: []any{string(p)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ref := Path(stmt.ColumnText(0))
				if !live.Has(ref) {
					live.Add(ref)
					queue = append(queue, ref)
				}
				return nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("compute live roots: trace %s: %v", p, err)
		}
	}
	return live, nil
}

// DeleteUnreferenced deletes every store object not reachable from a
// registered gc root, returning the paths it freed (or, if dryRun, the
// paths it would have freed without touching the database or filesystem).
//
// The whole sweep runs under a single database transaction so that a
// concurrent [LocalStore.RegisterValidPaths] either completes entirely
// before the sweep's live-closure computation or entirely after it;
// DeleteUnreferenced never observes a half-registered object as dead.
func (ls *LocalStore) DeleteUnreferenced(ctx context.Context, dryRun bool) (freed []Path, err error) {
	conn, err := ls.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer ls.db.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("gc: %v", err)
	}
	defer endFn(&err)

	live, err := liveClosure(conn)
	if err != nil {
		return nil, fmt.Errorf("gc: %v", err)
	}

	var dead []Path
	err = sqlitex.Execute(conn, `SELECT path FROM paths;`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p := Path(stmt.ColumnText(0))
			if !live.Has(p) {
				dead = append(dead, p)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gc: list paths: %v", err)
	}
	if dryRun || len(dead) == 0 {
		return dead, nil
	}

	for _, p := range dead {
		if err := ls.deletePathRow(conn, p); err != nil {
			return freed, fmt.Errorf("gc: delete %s: %v", p, err)
		}
		realPath := ls.realPath(p)
		if rmErr := os.RemoveAll(realPath); rmErr != nil {
			log.Warnf(ctx, "gc: remove %s: %v", realPath, rmErr)
		} else {
			freed = append(freed, p)
		}
	}
	return freed, nil
}

// DeletePaths force-deletes the given store paths, ignoring whether they
// are still reachable from a gc root, unless ignoreLiveness is false — in
// which case a path registered as a root, or still referenced by another
// object, is refused rather than silently skipped.
func (ls *LocalStore) DeletePaths(ctx context.Context, paths []Path, ignoreLiveness bool) (freed []Path, err error) {
	conn, err := ls.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer ls.db.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("delete: %v", err)
	}
	defer endFn(&err)

	for _, p := range paths {
		if !ignoreLiveness {
			if reason, err := ls.whyLive(conn, p); err != nil {
				return freed, fmt.Errorf("delete %s: %v", p, err)
			} else if reason != "" {
				return freed, fmt.Errorf("delete %s: %s (use --ignore-liveness to force)", p, reason)
			}
		}
		if err := ls.deletePathRow(conn, p); err != nil {
			return freed, fmt.Errorf("delete %s: %v", p, err)
		}
		realPath := ls.realPath(p)
		if rmErr := os.RemoveAll(realPath); rmErr != nil {
			log.Warnf(ctx, "delete: remove %s: %v", realPath, rmErr)
		} else {
			freed = append(freed, p)
		}
	}
	return freed, nil
}

// whyLive returns a human-readable reason path should not be deleted
// (it is a registered root, or another object still references it), or
// an empty string if deletion is safe.
func (ls *LocalStore) whyLive(conn *sqlite.Conn, p Path) (string, error) {
	var rootName string
	err := sqlitex.Execute(conn, `SELECT name FROM roots WHERE path = ? LIMIT 1;`, &sqlitex.ExecOptions{
		Args: []any{string(p)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rootName = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	if rootName != "" {
		return fmt.Sprintf("registered as gc root %q", rootName), nil
	}

	var referrer string
	err = sqlitex.Execute(conn, `SELECT referrer FROM refs WHERE reference = ? LIMIT 1;`, &sqlitex.ExecOptions{
		Args: []any{string(p)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			referrer = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	if referrer != "" {
		return fmt.Sprintf("still referenced by %s", referrer), nil
	}
	return "", nil
}

// deletePathRow removes every row referencing path from the metadata
// database, in FK-safe order, followed by path's own row in paths. The
// caller must already hold a write transaction.
func (ls *LocalStore) deletePathRow(conn *sqlite.Conn, path Path) error {
	arg := &sqlitex.ExecOptions{Args: []any{string(path)}}

	// Nothing may still call path its deriver once it's gone.
	if err := sqlitex.Execute(conn, `UPDATE objects SET deriver = NULL WHERE deriver = ?;`, arg); err != nil {
		return err
	}
	if err := sqlitex.Execute(conn, `DELETE FROM refs WHERE referrer = ? OR reference = ?;`, &sqlitex.ExecOptions{
		Args: []any{string(path), string(path)},
	}); err != nil {
		return err
	}
	if err := sqlitex.Execute(conn,
		`DELETE FROM realization_reference_classes
		 WHERE (drv_hash_algorithm, drv_hash_bits, output_name) IN
		   (SELECT drv_hash_algorithm, drv_hash_bits, output_name FROM realizations WHERE output_path = ?);`,
		arg,
	); err != nil {
		return err
	}
	if err := sqlitex.Execute(conn, `DELETE FROM realizations WHERE output_path = ?;`, arg); err != nil {
		return err
	}
	if err := sqlitex.Execute(conn, `DELETE FROM objects WHERE path = ?;`, arg); err != nil {
		return err
	}
	if err := sqlitex.Execute(conn, `DELETE FROM roots WHERE path = ?;`, arg); err != nil {
		return err
	}
	return sqlitex.Execute(conn, `DELETE FROM paths WHERE path = ?;`, arg)
}
