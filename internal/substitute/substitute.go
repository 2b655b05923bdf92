// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package substitute implements a client for the binary cache protocol,
// letting the builder fetch already-built store objects instead of
// running a derivation locally.
package substitute

import (
	"bytes"
	"compress/bzip2"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"lumeforge.dev/zbe/internal/sortedset"
	"lumeforge.dev/zbe/internal/store"
	"lumeforge.dev/zbe/internal/wireproto"
	"lumeforge.dev/zbe/sets"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

var _ store.Store = (*Client)(nil)
var _ store.BatchStore = (*Client)(nil)

// TrustedKey is a named ed25519 public key that a [Client] accepts
// signatures from when deciding whether a fetched narinfo is trustworthy.
// The name matches the prefix nix uses in a .narinfo's Sig lines
// (e.g. "cache.example.org-1").
type TrustedKey struct {
	Name string
	Key  ed25519.PublicKey
}

// Client fetches store objects from a binary cache over HTTP, following
// the same discovery-document-plus-.narinfo protocol as the engine's
// native remote store client, but adding retry with backoff and a
// request-rate limiter so a flaky or rate-limiting cache doesn't stall
// or overwhelm the scheduler's substitution goals.
type Client struct {
	// BaseURL is the cache's root URL (e.g. "https://cache.example.org/").
	BaseURL *url.URL
	// HTTPClient makes the requests. http.DefaultClient is used if nil.
	HTTPClient *http.Client
	// TrustedKeys lists the keys whose signatures make a narinfo
	// acceptable. A narinfo with no signature from any of these keys is
	// rejected, unless TrustedKeys is empty (in which case all narinfos
	// are accepted, matching an explicitly untrusted/local cache setup).
	TrustedKeys []TrustedKey
	// Limiter throttles outgoing requests. If nil, requests are not
	// rate-limited.
	Limiter *rate.Limiter
	// MaxRetries is how many additional attempts a request gets after an
	// initial failure classified as transient (network error or 5xx).
	// The default is 3.
	MaxRetries int
}

func (c *Client) client() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) maxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

// Object fetches the narinfo for path and returns an [store.Object] that
// downloads and decompresses its NAR lazily.
func (c *Client) Object(ctx context.Context, path store.Path) (store.Object, error) {
	u := c.BaseURL.ResolveReference(&url.URL{Path: path.Digest() + wireproto.NARInfoExtension})
	data, err := c.fetch(ctx, u, "text/x-nix-narinfo,text/*;q=0.9,*/*;q=0.8")
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("substitute %s: %w", path, store.ErrNotFound)
		}
		return nil, fmt.Errorf("substitute %s: %v", path, err)
	}
	info := new(wireproto.NARInfo)
	if err := info.UnmarshalText(data); err != nil {
		return nil, fmt.Errorf("substitute %s: parse narinfo: %v", path, err)
	}
	if info.StorePath != path {
		return nil, fmt.Errorf("substitute %s: narinfo is for %s", path, info.StorePath)
	}
	if err := c.checkTrust(info); err != nil {
		return nil, fmt.Errorf("substitute %s: %v", path, err)
	}
	return &object{client: c, base: u, info: info}, nil
}

// ObjectBatch fetches narinfos for every path in storePaths concurrently,
// silently omitting paths the cache doesn't have.
func (c *Client) ObjectBatch(ctx context.Context, storePaths sets.Set[store.Path]) ([]store.Object, error) {
	paths := make([]store.Path, 0, storePaths.Len())
	for p := range storePaths.All() {
		paths = append(paths, p)
	}
	results := make([]store.Object, len(paths))
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(8)
	for i, p := range paths {
		grp.Go(func() error {
			obj, err := c.Object(grpCtx, p)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return err
			}
			results[i] = obj
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	out := results[:0]
	for _, obj := range results {
		if obj != nil {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (c *Client) checkTrust(info *wireproto.NARInfo) error {
	if len(c.TrustedKeys) == 0 {
		return nil
	}
	var fingerprint bytes.Buffer
	if err := info.WriteFingerprint(&fingerprint); err != nil {
		return fmt.Errorf("check signature: %v", err)
	}
	for _, sig := range info.Sig {
		for _, tk := range c.TrustedKeys {
			if verifySignature(tk, fingerprint.Bytes(), sig) {
				return nil
			}
		}
	}
	return fmt.Errorf("no trusted signature (have %d signature(s), %d trusted key(s))", len(info.Sig), len(c.TrustedKeys))
}

// verifySignature checks sig against fingerprint using tk, matching the
// "name:base64(ed25519 signature)" scheme nix narinfo signatures use.
func verifySignature(tk TrustedKey, fingerprint []byte, sig *nix.Signature) bool {
	name, sigBytes, ok := splitSignature(sig.String())
	if !ok || name != tk.Name {
		return false
	}
	return ed25519.Verify(tk.Key, fingerprint, sigBytes)
}

func splitSignature(s string) (name string, sig []byte, ok bool) {
	i := bytes.IndexByte([]byte(s), ':')
	if i < 0 {
		return "", nil, false
	}
	name = s[:i]
	decoded, err := base64.StdEncoding.DecodeString(s[i+1:])
	if err != nil {
		return "", nil, false
	}
	return name, decoded, true
}

type object struct {
	client *Client
	base   *url.URL
	info   *wireproto.NARInfo
}

func (obj *object) Trailer() *store.ExportTrailer {
	refs := sortedset.New(obj.info.References...)
	return &store.ExportTrailer{
		StorePath:      obj.info.StorePath,
		References:     *refs,
		Deriver:        obj.info.Deriver,
		ContentAddress: obj.info.CA,
	}
}

func (obj *object) WriteNAR(ctx context.Context, dst io.Writer) error {
	ref, err := url.Parse(obj.info.URL)
	if err != nil {
		return fmt.Errorf("substitute %s: invalid nar url: %v", obj.info.StorePath, err)
	}
	narURL := obj.base.ResolveReference(ref)
	data, err := obj.client.fetch(ctx, narURL, "*/*")
	if err != nil {
		return fmt.Errorf("substitute %s: download: %v", obj.info.StorePath, err)
	}
	r, err := decompress(bytes.NewReader(data), obj.info.Compression)
	if err != nil {
		return fmt.Errorf("substitute %s: %v", obj.info.StorePath, err)
	}
	defer r.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("substitute %s: %v", obj.info.StorePath, err)
	}
	return nil
}

// fetch performs an HTTP GET on u, applying the client's rate limiter and
// retrying transient failures with exponential backoff.
func (c *Client) fetch(ctx context.Context, u *url.URL, accept string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries(); attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
			log.Debugf(ctx, "substitute: retrying %s in %v (attempt %d): %v", u.Redacted(), delay, attempt, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		data, transient, err := c.doFetch(ctx, u, accept)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !transient {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doFetch(ctx context.Context, u *url.URL, accept string) (data []byte, transient bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", accept)
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("fetch %s: %w", u.Redacted(), &statusError{resp.StatusCode, resp.Status})
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("fetch %s: %w", u.Redacted(), &statusError{resp.StatusCode, resp.Status})
	default:
		return nil, false, fmt.Errorf("fetch %s: %w", u.Redacted(), &statusError{resp.StatusCode, resp.Status})
	}
	const maxSize = 64 << 20
	data, err = io.ReadAll(io.LimitReader(resp.Body, maxSize))
	if err != nil {
		return nil, true, fmt.Errorf("fetch %s: %v", u.Redacted(), err)
	}
	return data, false, nil
}

type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	if e.status != "" {
		return e.status
	}
	return "http " + strconv.Itoa(e.code)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// decompress returns a reader over the decompressed contents of r, chosen
// by compression: the standard library for gzip, deflate and bzip2,
// klauspost/compress for zstd, and ulikunitz/xz for xz.
// Any other compression type is reported as unsupported.
func decompress(r io.Reader, compression wireproto.CompressionType) (io.ReadCloser, error) {
	switch compression {
	case "", wireproto.NoCompression:
		return io.NopCloser(r), nil
	case wireproto.Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return gz, nil
	case wireproto.XZ:
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xzr), nil
	case wireproto.Zstandard:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case wireproto.Bzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case "deflate":
		return flate.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}
