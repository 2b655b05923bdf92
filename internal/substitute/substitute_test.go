// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package substitute

import (
	"bytes"
	"compress/gzip"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"lumeforge.dev/zbe/internal/storepath"
	"lumeforge.dev/zbe/internal/testcontext"
	"lumeforge.dev/zbe/internal/wireproto"
	"zombiezen.com/go/nix"
)

const testPath = storepath.DefaultUnixDirectory + "/mv4z5c5znjdnc40fvqfl1qknszgbdyxd-hello.txt"

func newTestServer(t *testing.T, info *wireproto.NARInfo, nar []byte) *httptest.Server {
	t.Helper()
	var gzNAR bytes.Buffer
	gw := gzip.NewWriter(&gzNAR)
	if _, err := gw.Write(nar); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+info.StorePath.Digest()+wireproto.NARInfoExtension, func(w http.ResponseWriter, r *http.Request) {
		data, err := info.MarshalText()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})
	mux.HandleFunc("/nar/"+info.StorePath.Digest()+".nar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzNAR.Bytes())
	})
	return httptest.NewServer(mux)
}

func TestClientObject(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	nar := []byte("not actually a nar, just test bytes")
	narHash := nix.NewHasher(nix.SHA256)
	narHash.Write(nar)

	path, err := storepath.ParsePath(testPath)
	if err != nil {
		t.Fatal(err)
	}
	info := &wireproto.NARInfo{
		StorePath:   path,
		URL:         "nar/" + path.Digest() + ".nar.gz",
		Compression: wireproto.Gzip,
		NARHash:     narHash.SumHash(),
		NARSize:     int64(len(nar)),
	}

	srv := newTestServer(t, info, nar)
	defer srv.Close()
	baseURL, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}

	c := &Client{BaseURL: baseURL, HTTPClient: srv.Client()}
	obj, err := c.Object(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	var got bytes.Buffer
	if err := obj.WriteNAR(ctx, &got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Bytes(), nar) {
		t.Errorf("WriteNAR = %q, want %q", got.Bytes(), nar)
	}
}

func TestClientObjectUntrustedRejected(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	nar := []byte("other test bytes")
	narHash := nix.NewHasher(nix.SHA256)
	narHash.Write(nar)

	path, err := storepath.ParsePath(testPath)
	if err != nil {
		t.Fatal(err)
	}
	info := &wireproto.NARInfo{
		StorePath:   path,
		URL:         "nar/" + path.Digest() + ".nar.gz",
		Compression: wireproto.Gzip,
		NARHash:     narHash.SumHash(),
		NARSize:     int64(len(nar)),
	}

	srv := newTestServer(t, info, nar)
	defer srv.Close()
	baseURL, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}

	_, untrustedKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: srv.Client(),
		TrustedKeys: []TrustedKey{
			{Name: "example.org-1", Key: untrustedKey},
		},
	}
	if _, err := c.Object(ctx, path); err == nil {
		t.Error("Object succeeded for an unsigned narinfo against a cache with trusted keys configured; want error")
	}
}

func TestSplitSignature(t *testing.T) {
	sigBytes := []byte("fake signature bytes padded to 64....................")
	s := "cache.example.org-1:" + base64.StdEncoding.EncodeToString(sigBytes)
	name, got, ok := splitSignature(s)
	if !ok {
		t.Fatalf("splitSignature(%q) reported !ok", s)
	}
	if name != "cache.example.org-1" {
		t.Errorf("name = %q, want %q", name, "cache.example.org-1")
	}
	if !bytes.Equal(got, sigBytes) {
		t.Errorf("sig = %q, want %q", got, sigBytes)
	}
}
