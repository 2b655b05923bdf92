// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

//go:build !unix

package storepath

import (
	"os"
	"path/filepath"
)

// SocketPath returns the default path of the Unix domain socket
// that the store daemon listens on.
func SocketPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "zbe", "store.sock")
}
