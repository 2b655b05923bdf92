// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

//go:build unix

package storepath

import "go4.org/xdgdir"

// SocketPath returns the default path of the Unix domain socket
// that the store daemon listens on.
func SocketPath() string {
	return xdgdir.Runtime.Path() + "/zbe/store.sock"
}
