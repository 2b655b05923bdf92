// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lumeforge.dev/zbe/bytebuffer"
	"lumeforge.dev/zbe/internal/drv"
	"lumeforge.dev/zbe/internal/osutil"
	"lumeforge.dev/zbe/internal/sortedset"
	"lumeforge.dev/zbe/internal/storepath"
	"lumeforge.dev/zbe/sets"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// localStoreSchema is the set of migrations applied to a [LocalStore]'s
// database. Unlike the source material this engine grew out of, the schema
// lives inline as Go string literals rather than as embedded .sql files:
// there is nothing elsewhere in this module's lineage that ships SQL as
// separate files, so go:embed would be reaching for a convention the
// codebase doesn't otherwise use.
var localStoreSchema = sqlitemigration.Schema{
	Migrations: []string{
		`
CREATE TABLE paths (
	path TEXT PRIMARY KEY
);

CREATE TABLE objects (
	path TEXT PRIMARY KEY REFERENCES paths (path),
	nar_size INTEGER NOT NULL,
	nar_hash TEXT NOT NULL,
	ca TEXT NOT NULL,
	deriver TEXT REFERENCES paths (path)
);

CREATE TABLE refs (
	referrer TEXT NOT NULL REFERENCES objects (path),
	reference TEXT NOT NULL REFERENCES paths (path),
	PRIMARY KEY (referrer, reference)
);

CREATE INDEX refs_reference ON refs (reference);

CREATE TABLE drv_hashes (
	algorithm TEXT NOT NULL,
	bits BLOB NOT NULL,
	PRIMARY KEY (algorithm, bits)
);

CREATE TABLE realizations (
	drv_hash_algorithm TEXT NOT NULL,
	drv_hash_bits BLOB NOT NULL,
	output_name TEXT NOT NULL,
	output_path TEXT NOT NULL REFERENCES paths (path),
	PRIMARY KEY (drv_hash_algorithm, drv_hash_bits, output_name),
	FOREIGN KEY (drv_hash_algorithm, drv_hash_bits) REFERENCES drv_hashes (algorithm, bits)
);

CREATE TABLE realization_reference_classes (
	drv_hash_algorithm TEXT NOT NULL,
	drv_hash_bits BLOB NOT NULL,
	output_name TEXT NOT NULL,
	reference_drv_hash_algorithm TEXT NOT NULL,
	reference_drv_hash_bits BLOB NOT NULL,
	reference_output_name TEXT NOT NULL,
	PRIMARY KEY (drv_hash_algorithm, drv_hash_bits, output_name,
		reference_drv_hash_algorithm, reference_drv_hash_bits, reference_output_name),
	FOREIGN KEY (drv_hash_algorithm, drv_hash_bits, output_name)
		REFERENCES realizations (drv_hash_algorithm, drv_hash_bits, output_name)
);
`,
		// Indirect GC roots: named pins (profile generations, --out-link
		// symlinks, an in-progress realize's own outputs) that keep a path
		// and its closure alive across a gc sweep.
		`
CREATE TABLE roots (
	name TEXT PRIMARY KEY,
	path TEXT NOT NULL REFERENCES paths (path)
);

CREATE INDEX roots_path ON roots (path);
`,
	},
}

func prepareLocalStoreConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

// LocalStore is a [WritableRandomAccessStore], [Exporter], and
// [RealizationFetcher] backed by a directory of store objects on the local
// filesystem and a SQLite database of their metadata.
type LocalStore struct {
	dir     Directory
	realDir string
	db      *sqlitemigration.Pool

	// SigningKey, if set, is used to sign realizations returned from
	// FetchRealizations, asserting that this store observed them itself.
	SigningKey ed25519.PrivateKey

	writing pathMutexMap
}

var (
	_ Store              = (*LocalStore)(nil)
	_ BatchStore         = (*LocalStore)(nil)
	_ RandomAccessStore  = (*LocalStore)(nil)
	_ Importer           = (*LocalStore)(nil)
	_ Exporter           = (*LocalStore)(nil)
	_ RealizationFetcher = (*LocalStore)(nil)
)

// LocalStoreOptions holds optional parameters for [NewLocalStore].
type LocalStoreOptions struct {
	// RealDir is where store objects are physically located on disk.
	// If empty, defaults to dir.
	RealDir string
}

// NewLocalStore returns a new [LocalStore] rooted at dir, backed by the
// SQLite database at dbPath (created if it does not exist).
// Callers are responsible for calling [LocalStore.Close] on the result.
func NewLocalStore(dir Directory, dbPath string, opts *LocalStoreOptions) (*LocalStore, error) {
	if !dir.IsNative() {
		return nil, fmt.Errorf("new local store: %s is not a native store directory", dir)
	}
	if opts == nil {
		opts = new(LocalStoreOptions)
	}
	ls := &LocalStore{
		dir:     dir,
		realDir: opts.RealDir,
		db: sqlitemigration.NewPool(dbPath, localStoreSchema, sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareLocalStoreConn,
			OnError: func(err error) {
				log.Errorf(context.Background(), "local store migration: %v", err)
			},
		}),
	}
	if ls.realDir == "" {
		ls.realDir = string(ls.dir)
	}
	return ls, nil
}

// Close releases the resources held by the store's database connection pool.
func (ls *LocalStore) Close() error {
	return ls.db.Close()
}

// Dir returns the store directory this store serves.
func (ls *LocalStore) Dir() Directory {
	return ls.dir
}

// RealDir returns the directory on the local filesystem where store
// objects physically live. It is equal to Dir's string form unless
// [LocalStoreOptions.RealDir] was set.
func (ls *LocalStore) RealDir() string {
	return ls.realDir
}

func (ls *LocalStore) realPath(path Path) string {
	return filepath.Join(ls.realDir, path.Base())
}

// ObjectInfo is the in-memory form of a store object's metadata row,
// the same shape as an [ExportTrailer] but with the NAR size and hash
// alongside it so it can be round-tripped through the database without a
// second query.
type ObjectInfo struct {
	StorePath  Path
	NARHash    nix.Hash
	NARSize    int64
	References sortedset.Set[Path]
	Deriver    Path
	CA         nix.ContentAddress
}

func (info *ObjectInfo) toExportTrailer() *ExportTrailer {
	return &ExportTrailer{
		StorePath:      info.StorePath,
		References:     info.References,
		Deriver:        info.Deriver,
		ContentAddress: info.CA,
	}
}

var errObjectNotExist = errors.New("store object does not exist in database")

// Object returns the object for path, consulting the database for its
// metadata and the real store directory for its content.
func (ls *LocalStore) Object(ctx context.Context, path Path) (Object, error) {
	if path.Dir() != ls.dir {
		return nil, fmt.Errorf("object %s: %w", path, ErrNotFound)
	}
	conn, err := ls.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer ls.db.Put(conn)

	info, err := ls.pathInfo(conn, path)
	if errors.Is(err, errObjectNotExist) {
		return nil, fmt.Errorf("object %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("object %s: %v", path, err)
	}
	return &localObject{ls: ls, info: info}, nil
}

// IsValidPath reports whether path is registered in the store's database.
// Unlike [LocalStore.Object], it does not touch the filesystem or read the
// object's reference list.
func (ls *LocalStore) IsValidPath(ctx context.Context, path Path) (bool, error) {
	conn, err := ls.db.Get(ctx)
	if err != nil {
		return false, err
	}
	defer ls.db.Put(conn)
	return objectExists(conn, path)
}

// ObjectBatch looks up every path in storePaths, omitting any not present.
func (ls *LocalStore) ObjectBatch(ctx context.Context, storePaths sets.Set[Path]) ([]Object, error) {
	var result []Object
	for path := range storePaths.All() {
		obj, err := ls.Object(ctx, path)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, obj)
	}
	return result, nil
}

// StoreFS returns an [fs.FS] over the real store directory.
func (ls *LocalStore) StoreFS(ctx context.Context, dir Directory) fs.FS {
	return os.DirFS(ls.realDir)
}

type localObject struct {
	ls   *LocalStore
	info *ObjectInfo
}

func (obj *localObject) Trailer() *ExportTrailer {
	return obj.info.toExportTrailer()
}

func (obj *localObject) WriteNAR(ctx context.Context, dst io.Writer) error {
	if err := nar.DumpPath(dst, obj.ls.realPath(obj.info.StorePath)); err != nil {
		return fmt.Errorf("write nar for %s: %v", obj.info.StorePath, err)
	}
	return nil
}

// StoreImport implements [Importer] by decoding a `nix-store --export`
// stream and extracting each store object it contains.
func (ls *LocalStore) StoreImport(ctx context.Context, r io.Reader) error {
	recv := ls.newNARReceiver(ctx)
	defer recv.cleanup()
	if err := ReceiveExport(recv, r); err != nil {
		return fmt.Errorf("store import: %v", err)
	}
	return nil
}

// narReceiver is the per-stream [NARReceiver] that backs [LocalStore.StoreImport].
// It spools each NAR to a scratch buffer so it can be hashed, content-address
// verified, and re-read for extraction without buffering the whole export in
// memory.
type narReceiver struct {
	ctx context.Context
	ls  *LocalStore

	creator bytebuffer.Creator
	buf     bytebuffer.ReadWriteSeekCloser
	hasher  nix.Hasher
	size    int64
}

func (ls *LocalStore) newNARReceiver(ctx context.Context) *narReceiver {
	return &narReceiver{
		ctx:     ctx,
		ls:      ls,
		creator: bytebuffer.TempFileCreator{Pattern: "zbe-store-import-*.nar"},
		hasher:  *nix.NewHasher(nix.SHA256),
	}
}

func (r *narReceiver) Write(p []byte) (int, error) {
	var err error
	if r.buf == nil {
		r.buf, err = r.creator.CreateBuffer(-1)
		if err != nil {
			return 0, err
		}
	}
	n, err := r.buf.Write(p)
	r.hasher.Write(p[:n])
	r.size += int64(n)
	return n, err
}

func (r *narReceiver) ReceiveNAR(trailer *ExportTrailer) {
	ctx := r.ctx
	if r.buf == nil {
		return
	}
	defer func() {
		r.buf.Close()
		r.buf = nil
		r.hasher.Reset()
		r.size = 0
	}()

	if trailer.StorePath.Dir() != r.ls.dir {
		log.Warnf(ctx, "rejecting import of %s (not in %s)", trailer.StorePath, r.ls.dir)
		return
	}
	if _, err := r.buf.Seek(0, io.SeekStart); err != nil {
		log.Errorf(ctx, "seek store import buffer: %v", err)
		return
	}
	refs := trailer.References
	ca, err := verifyContentAddress(trailer.StorePath, io.LimitReader(r.buf, r.size), &refs, trailer.ContentAddress)
	if err != nil {
		log.Warnf(ctx, "%v", err)
		return
	}
	if _, err := r.buf.Seek(0, io.SeekStart); err != nil {
		log.Errorf(ctx, "seek store import buffer: %v", err)
		return
	}

	unlock, err := r.ls.writing.lock(ctx, trailer.StorePath)
	if err != nil {
		log.Errorf(ctx, "lock %s: %v", trailer.StorePath, err)
		return
	}
	defer unlock()

	realPath := r.ls.realPath(trailer.StorePath)
	if _, err := os.Lstat(realPath); err == nil {
		log.Debugf(ctx, "%s already present, skipping import", trailer.StorePath)
		return
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Errorf(ctx, "stat %s: %v", realPath, err)
		return
	}

	if err := extractNAR(realPath, io.LimitReader(r.buf, r.size)); err != nil {
		log.Warnf(ctx, "import %s: %v", trailer.StorePath, err)
		os.RemoveAll(realPath)
		return
	}

	conn, err := r.ls.db.Get(ctx)
	if err != nil {
		log.Errorf(ctx, "connect to store database: %v", err)
		os.RemoveAll(realPath)
		return
	}
	defer r.ls.db.Put(conn)
	err = func() (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)
		return insertObject(conn, &ObjectInfo{
			StorePath:  trailer.StorePath,
			NARHash:    r.hasher.SumHash(),
			NARSize:    r.size,
			References: refs,
			Deriver:    trailer.Deriver,
			CA:         ca,
		})
	}()
	if err != nil {
		log.Errorf(ctx, "record import of %s: %v", trailer.StorePath, err)
		os.RemoveAll(realPath)
		return
	}

	freezeStorePath(ctx, realPath)
	log.Infof(ctx, "imported %s", trailer.StorePath)
}

func (r *narReceiver) cleanup() {
	if r.buf != nil {
		r.buf.Close()
		r.buf = nil
	}
}

// RegisterValidPaths records metadata for a store object that was created
// directly on disk (e.g. by a completed build), rather than received
// through [LocalStore.StoreImport]. The real file at the object's path
// must already exist; RegisterValidPaths recomputes the NAR hash from it
// and verifies it against info.CA.
func (ls *LocalStore) RegisterValidPaths(ctx context.Context, infos []*ObjectInfo) error {
	for _, info := range infos {
		if info.CA.IsZero() {
			return fmt.Errorf("register %s: missing content address assertion", info.StorePath)
		}
		if err := ls.registerOne(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

func (ls *LocalStore) registerOne(ctx context.Context, info *ObjectInfo) error {
	unlock, err := ls.writing.lock(ctx, info.StorePath)
	if err != nil {
		return fmt.Errorf("register %s: %v", info.StorePath, err)
	}
	realPath := ls.realPath(info.StorePath)
	_, statErr := os.Lstat(realPath)
	unlock()
	if statErr != nil {
		return fmt.Errorf("register %s: %v", info.StorePath, statErr)
	}

	conn, err := ls.db.Get(ctx)
	if err != nil {
		return err
	}
	defer ls.db.Put(conn)

	if existing, err := ls.pathInfo(conn, info.StorePath); err == nil {
		if existing.NARHash.Equal(info.NARHash) && existing.NARSize == info.NARSize && existing.CA.Equal(info.CA) {
			return nil
		}
		return fmt.Errorf("register %s: does not match existing data", info.StorePath)
	} else if !errors.Is(err, errObjectNotExist) {
		return fmt.Errorf("register %s: %v", info.StorePath, err)
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	var written int64
	hasher := nix.NewHasher(info.NARHash.Type())
	go func() {
		defer close(done)
		err := nar.DumpPath(io.MultiWriter(&writeCounter{&written}, hasher, pw), realPath)
		pw.CloseWithError(err)
	}()
	refs := info.References
	_, verifyErr := verifyContentAddress(info.StorePath, pr, &refs, info.CA)
	pr.Close()
	<-done
	if verifyErr != nil {
		return fmt.Errorf("register %s: %v", info.StorePath, verifyErr)
	}
	if written != info.NARSize {
		return fmt.Errorf("register %s: nar size %d does not match %d from filesystem", info.StorePath, info.NARSize, written)
	}
	if want := hasher.SumHash(); !want.Equal(info.NARHash) {
		return fmt.Errorf("register %s: nar hash %v does not match %v from filesystem", info.StorePath, info.NARHash, want)
	}

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("register %s: %v", info.StorePath, err)
	}
	defer endFn(&err)
	return insertObject(conn, info)
}

type writeCounter struct {
	n *int64
}

func (wc *writeCounter) Write(p []byte) (int, error) {
	*wc.n += int64(len(p))
	return len(p), nil
}

// StoreExport implements [Exporter] by walking the reference closure of
// paths (unless opts.ExcludeReferences is set) in dependency-first order
// and writing each object's NAR and trailer to dst.
func (ls *LocalStore) StoreExport(ctx context.Context, dst io.Writer, paths sets.Set[Path], opts *ExportOptions) error {
	conn, err := ls.db.Get(ctx)
	if err != nil {
		return err
	}
	defer ls.db.Put(conn)

	excludeRefs := opts != nil && opts.ExcludeReferences
	seen := make(map[Path]bool)
	var ordered []Path
	var walk func(p Path) error
	walk = func(p Path) error {
		if seen[p] {
			return nil
		}
		info, err := ls.pathInfo(conn, p)
		if err != nil {
			return fmt.Errorf("%s: %v", p, err)
		}
		seen[p] = true
		if !excludeRefs {
			for i := 0; i < info.References.Len(); i++ {
				ref := info.References.At(i)
				if ref == p {
					continue
				}
				if err := walk(ref); err != nil {
					return err
				}
			}
		}
		ordered = append(ordered, p)
		return nil
	}
	for p := range paths.All() {
		if err := walk(p); err != nil {
			return fmt.Errorf("store export: %v", err)
		}
	}

	w := NewExportWriter(dst)
	for _, p := range ordered {
		info, err := ls.pathInfo(conn, p)
		if err != nil {
			return fmt.Errorf("store export %s: %v", p, err)
		}
		if err := nar.DumpPath(w, ls.realPath(p)); err != nil {
			return fmt.Errorf("store export %s: %v", p, err)
		}
		if err := w.Trailer(info.toExportTrailer()); err != nil {
			return fmt.Errorf("store export %s: %v", p, err)
		}
	}
	return w.Close()
}

// pathInfo reads a store object's metadata from the database.
// It returns an error for which errors.Is(err, errObjectNotExist) reports
// true if path is not registered.
func (ls *LocalStore) pathInfo(conn *sqlite.Conn, path Path) (*ObjectInfo, error) {
	info := &ObjectInfo{StorePath: path}
	var narHashText, caText, deriverText string
	found := false
	err := sqlitex.Execute(conn, `SELECT nar_size, nar_hash, ca, deriver FROM objects WHERE path = ?;`, &sqlitex.ExecOptions{
		Args: []any{string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			info.NARSize = stmt.ColumnInt64(0)
			narHashText = stmt.ColumnText(1)
			caText = stmt.ColumnText(2)
			deriverText = stmt.ColumnText(3)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %v", path, err)
	}
	if !found {
		return nil, fmt.Errorf("read %s: %w", path, errObjectNotExist)
	}
	if narHashText != "" {
		h, err := nix.ParseHash(narHashText)
		if err != nil {
			return nil, fmt.Errorf("read %s: nar hash: %v", path, err)
		}
		info.NARHash = h
	}
	if caText != "" {
		if err := info.CA.UnmarshalText([]byte(caText)); err != nil {
			return nil, fmt.Errorf("read %s: content address: %v", path, err)
		}
	}
	if deriverText != "" {
		info.Deriver = Path(deriverText)
	}

	err = sqlitex.Execute(conn, `SELECT reference FROM refs WHERE referrer = ? ORDER BY reference;`, &sqlitex.ExecOptions{
		Args: []any{string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			info.References.Add(Path(stmt.ColumnText(0)))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: references: %v", path, err)
	}
	return info, nil
}

// objectExists reports whether path has an entry in the objects table.
func objectExists(conn *sqlite.Conn, path Path) (bool, error) {
	var exists bool
	err := sqlitex.Execute(conn, `SELECT 1 FROM objects WHERE path = ?;`, &sqlitex.ExecOptions{
		Args: []any{string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("check existence of %s: %v", path, err)
	}
	return exists, nil
}

func upsertPath(conn *sqlite.Conn, path Path) error {
	if path == "" {
		return nil
	}
	err := sqlitex.Execute(conn, `INSERT INTO paths (path) VALUES (?) ON CONFLICT (path) DO NOTHING;`, &sqlitex.ExecOptions{
		Args: []any{string(path)},
	})
	if err != nil {
		return fmt.Errorf("upsert path %s: %v", path, err)
	}
	return nil
}

func upsertDrvHash(conn *sqlite.Conn, h nix.Hash) error {
	if h.IsZero() {
		return nil
	}
	err := sqlitex.Execute(conn, `INSERT INTO drv_hashes (algorithm, bits) VALUES (?, ?) ON CONFLICT (algorithm, bits) DO NOTHING;`, &sqlitex.ExecOptions{
		Args: []any{h.Type().String(), h.Bytes(nil)},
	})
	if err != nil {
		return fmt.Errorf("upsert derivation hash %v: %v", h, err)
	}
	return nil
}

// insertObject records info in the database, along with the paths and
// references it names. The caller must already hold a transaction.
func insertObject(conn *sqlite.Conn, info *ObjectInfo) error {
	if err := upsertPath(conn, info.StorePath); err != nil {
		return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
	}
	if err := upsertPath(conn, info.Deriver); err != nil {
		return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
	}

	var deriverArg any
	if info.Deriver != "" {
		deriverArg = string(info.Deriver)
	}
	err := sqlitex.Execute(conn,
		`INSERT INTO objects (path, nar_size, nar_hash, ca, deriver) VALUES (?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{string(info.StorePath), info.NARSize, info.NARHash.SRI(), info.CA.String(), deriverArg},
		},
	)
	if sqlite.ErrCode(err) == sqlite.ResultConstraintRowID {
		return fmt.Errorf("insert %s into database: store object already exists", info.StorePath)
	}
	if err != nil {
		return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
	}

	for i := 0; i < info.References.Len(); i++ {
		ref := info.References.At(i)
		if err := upsertPath(conn, ref); err != nil {
			return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
		}
		err := sqlitex.Execute(conn, `INSERT INTO refs (referrer, reference) VALUES (?, ?);`, &sqlitex.ExecOptions{
			Args: []any{string(info.StorePath), string(ref)},
		})
		if err != nil {
			return fmt.Errorf("insert %s into database: add reference %s: %v", info.StorePath, ref, err)
		}
	}
	return nil
}

// RealizationOutput describes a single realized output of a floating
// content-addressed derivation, ready to be recorded with
// [LocalStore.RecordRealizations].
type RealizationOutput struct {
	// Path is the store path this output realized to.
	Path Path
	// References maps each store path this output references to the
	// equivalence classes (if any) that produced it, so that a verifier
	// can recompute the claim without having realized those outputs
	// itself. A zero [drv.EquivalenceClass] means the reference is to an
	// input-addressed or already-fixed path, not another floating output.
	References map[Path][]drv.EquivalenceClass
}

// RecordRealizations records, for the derivation whose equivalence-class
// hash is drvHash, which store path each named output realized to.
func (ls *LocalStore) RecordRealizations(ctx context.Context, drvHash nix.Hash, outputs map[string]RealizationOutput) (err error) {
	conn, err := ls.db.Get(ctx)
	if err != nil {
		return err
	}
	defer ls.db.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("record realizations for %v: %v", drvHash, err)
	}
	defer endFn(&err)

	if err := upsertDrvHash(conn, drvHash); err != nil {
		return fmt.Errorf("record realizations for %v: %v", drvHash, err)
	}
	for outputName, out := range outputs {
		if err := upsertPath(conn, out.Path); err != nil {
			return fmt.Errorf("record realizations for %v: %v", drvHash, err)
		}
		for path, classes := range out.References {
			if err := upsertPath(conn, path); err != nil {
				return fmt.Errorf("record realizations for %v: %v", drvHash, err)
			}
			for _, class := range classes {
				if class.IsZero() {
					continue
				}
				h, err := class.DrvHash()
				if err != nil {
					return fmt.Errorf("record realizations for %v: %v", drvHash, err)
				}
				if err := upsertDrvHash(conn, h); err != nil {
					return fmt.Errorf("record realizations for %v: %v", drvHash, err)
				}
			}
		}

		err := sqlitex.Execute(conn,
			`INSERT INTO realizations (drv_hash_algorithm, drv_hash_bits, output_name, output_path)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (drv_hash_algorithm, drv_hash_bits, output_name) DO UPDATE SET output_path = excluded.output_path;`,
			&sqlitex.ExecOptions{
				Args: []any{drvHash.Type().String(), drvHash.Bytes(nil), outputName, string(out.Path)},
			},
		)
		if err != nil {
			return fmt.Errorf("record realizations for %v: output %s: %v", drvHash, outputName, err)
		}

		for _, classes := range out.References {
			for _, class := range classes {
				if class.IsZero() {
					continue
				}
				refHash, err := class.DrvHash()
				if err != nil {
					return fmt.Errorf("record realizations for %v: %v", drvHash, err)
				}
				err = sqlitex.Execute(conn,
					`INSERT INTO realization_reference_classes
					 (drv_hash_algorithm, drv_hash_bits, output_name,
					  reference_drv_hash_algorithm, reference_drv_hash_bits, reference_output_name)
					 VALUES (?, ?, ?, ?, ?, ?)
					 ON CONFLICT DO NOTHING;`,
					&sqlitex.ExecOptions{
						Args: []any{
							drvHash.Type().String(), drvHash.Bytes(nil), outputName,
							refHash.Type().String(), refHash.Bytes(nil), class.OutputName(),
						},
					},
				)
				if err != nil {
					return fmt.Errorf("record realizations for %v: output %s: %v", drvHash, outputName, err)
				}
			}
		}
	}
	return nil
}

// FetchRealizations implements [RealizationFetcher].
func (ls *LocalStore) FetchRealizations(ctx context.Context, derivationHash nix.Hash) (RealizationMap, error) {
	conn, err := ls.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer ls.db.Put(conn)

	result := make(RealizationMap)
	err = sqlitex.Execute(conn,
		`SELECT output_name, output_path FROM realizations WHERE drv_hash_algorithm = ? AND drv_hash_bits = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{derivationHash.Type().String(), derivationHash.Bytes(nil)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result[stmt.ColumnText(0)] = &Realization{OutputPath: Path(stmt.ColumnText(1))}
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("fetch realizations for %v: %v", derivationHash, err)
	}

	for outputName, realization := range result {
		var classes []drv.EquivalenceClass
		var innerErr error
		err = sqlitex.Execute(conn,
			`SELECT reference_drv_hash_algorithm, reference_drv_hash_bits, reference_output_name
			 FROM realization_reference_classes
			 WHERE drv_hash_algorithm = ? AND drv_hash_bits = ? AND output_name = ?;`,
			&sqlitex.ExecOptions{
				Args: []any{derivationHash.Type().String(), derivationHash.Bytes(nil), outputName},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ht, err := nix.ParseHashType(stmt.ColumnText(0))
					if err != nil {
						innerErr = err
						return nil
					}
					bits := make([]byte, stmt.GetLen("reference_drv_hash_bits"))
					stmt.GetBytes("reference_drv_hash_bits", bits)
					classes = append(classes, drv.NewEquivalenceClass(nix.NewHash(ht, bits), stmt.ColumnText(2)))
					return nil
				},
			},
		)
		if err != nil {
			return nil, fmt.Errorf("fetch realizations for %v: output %s: %v", derivationHash, outputName, err)
		}
		if innerErr != nil {
			return nil, fmt.Errorf("fetch realizations for %v: output %s: %v", derivationHash, outputName, innerErr)
		}
		realization.ReferenceClasses = classes

		if len(ls.SigningKey) != 0 {
			sig, err := SignRealizationWithEd25519(RealizationOutputReference{
				DerivationHash: derivationHash,
				OutputName:     outputName,
			}, realization, ls.SigningKey)
			if err != nil {
				return nil, fmt.Errorf("fetch realizations for %v: output %s: sign: %v", derivationHash, outputName, err)
			}
			realization.Signatures = []*RealizationSignature{sig}
		}
	}
	return result, nil
}

// makeReferences splits the raw reference set refs gathers for path into
// the self/others shape [storepath.ValidateContentAddress] and
// [storepath.FixedCAOutputPath] expect.
func makeReferences(path Path, refs *sortedset.Set[Path]) storepath.References {
	var result storepath.References
	if refs == nil {
		return result
	}
	var others sortedset.Set[Path]
	for i := 0; i < refs.Len(); i++ {
		p := refs.At(i)
		if p == path {
			result.Self = true
			continue
		}
		others.Add(p)
	}
	result.Others = others
	return result
}

// verifyContentAddress validates that narContent matches ca (computing it
// from scratch as a "source" object if ca is the zero value), and that the
// resulting content address is consistent with path.
func verifyContentAddress(path Path, narContent io.Reader, refs *sortedset.Set[Path], ca nix.ContentAddress) (nix.ContentAddress, error) {
	storeRefs := makeReferences(path, refs)
	if !ca.IsZero() {
		if err := storepath.ValidateContentAddress(ca, storeRefs); err != nil {
			return nix.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
	}

	var computed nix.ContentAddress
	switch {
	case ca.IsZero() || storepath.IsSourceContentAddress(ca) && ca.Hash().Type() == nix.SHA256:
		var digest string
		if storeRefs.Self {
			digest = path.Digest()
		}
		var err error
		computed, err = storepath.SourceSHA256ContentAddress(digest, narContent)
		if err != nil {
			return nix.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
	case storepath.IsSourceContentAddress(ca):
		return nix.ContentAddress{}, fmt.Errorf("verify %s content address: unsupported source content address %v", path, ca.Hash().Type())
	case ca.IsRecursiveFile():
		h := nix.NewHasher(ca.Hash().Type())
		if _, err := io.Copy(h, narContent); err != nil {
			return nix.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
		computed = nix.RecursiveFileContentAddress(h.SumHash())
	default:
		nr := nar.NewReader(narContent)
		hdr, err := nr.Next()
		if err != nil {
			return nix.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
		if !hdr.Mode.IsRegular() {
			return nix.ContentAddress{}, fmt.Errorf("verify %s content address: not a flat file", path)
		}
		if hdr.Mode&0o111 != 0 {
			return nix.ContentAddress{}, fmt.Errorf("verify %s content address: must not be executable", path)
		}
		h := nix.NewHasher(ca.Hash().Type())
		if _, err := io.Copy(h, nr); err != nil {
			return nix.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
		if ca.IsText() {
			computed = nix.TextContentAddress(h.SumHash())
		} else {
			computed = nix.FlatFileContentAddress(h.SumHash())
		}
		if _, err := nr.Next(); err == nil {
			return nix.ContentAddress{}, fmt.Errorf("verify %s content address: more than a single file", path)
		} else if err != io.EOF {
			return nix.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
	}

	if !ca.IsZero() && !ca.Equal(computed) {
		return nix.ContentAddress{}, fmt.Errorf("verify %s content address: %v does not match content (computed %v)", path, ca, computed)
	}
	computedPath, err := storepath.FixedCAOutputPath(path.Dir(), path.Name(), computed, storeRefs)
	if err != nil {
		return nix.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
	}
	if path != computedPath {
		return nix.ContentAddress{}, fmt.Errorf("verify %s content address: does not match computed path %s", path, computedPath)
	}
	return computed, nil
}

// extractNAR extracts a NAR stream to the local filesystem at dst.
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

// freezeStorePath marks path read-only, logging (rather than returning)
// any error: partial success is still useful, and a build that already
// succeeded shouldn't fail over a permissions quirk.
func freezeStorePath(ctx context.Context, path string) {
	osutil.Freeze(path, time.Unix(0, 0), func(err error) error {
		log.Warnf(ctx, "%v", err)
		return nil
	})
}

// pathMutexMap is a map of per-key locks, letting concurrent importers and
// builders serialize access to the same store path without a single
// store-wide mutex.
type pathMutexMap struct {
	mu sync.Mutex
	m  map[Path]<-chan struct{}
}

// lock blocks until the caller has exclusive access to k, returning a
// function that releases it.
func (mm *pathMutexMap) lock(ctx context.Context, k Path) (unlock func(), err error) {
	for {
		mm.mu.Lock()
		ch, locked := mm.m[k]
		if !locked {
			newCh := make(chan struct{})
			if mm.m == nil {
				mm.m = make(map[Path]<-chan struct{})
			}
			mm.m[k] = newCh
			mm.mu.Unlock()
			return sync.OnceFunc(func() {
				mm.mu.Lock()
				delete(mm.m, k)
				mm.mu.Unlock()
				close(newCh)
			}), nil
		}
		mm.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
