// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Do marshals params (if non-nil) as the parameters of a call to method on h,
// waits for the response, and unmarshals the result into result
// (if result is non-nil).
//
// Do is a convenience wrapper for the common case of calling [Handler.JSONRPC]
// with JSON-marshalable Go values instead of raw JSON.
func Do(ctx context.Context, h Handler, method string, result, params any) error {
	req := &Request{Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("call json rpc %s: marshal params: %v", method, err)
		}
		req.Params = data
	}

	resp, err := h.JSONRPC(ctx, req)
	if err != nil {
		return fmt.Errorf("call json rpc %s: %w", method, err)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("call json rpc %s: unmarshal result: %v", method, err)
		}
	}
	return nil
}
