// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

// HTTPClient talks to a capability backend over HTTP.
//
// The backend exposes GET /capabilities returning the descriptor list and
// POST /invoke executing one call. Backend-reported failures come back as
// *Error so the correction classifier can read their codes.
//
// Thread Safety: HTTPClient is safe for concurrent use.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the backend at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// ListCapabilities fetches the backend's capability descriptors.
func (h *HTTPClient) ListCapabilities(ctx context.Context) ([]planner.CapabilityDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/capabilities", nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &Error{Code: CodeConnectivity, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("list capabilities: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Capabilities []planner.CapabilityDescriptor `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode capability list: %w", err)
	}
	return out.Capabilities, nil
}

type invokeRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type invokeResponse struct {
	Result *Result `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`
}

// Invoke executes one capability call.
func (h *HTTPClient) Invoke(ctx context.Context, name string, arguments map[string]any) (*Result, error) {
	payload, err := json.Marshal(invokeRequest{Name: name, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, &Error{Code: CodeTimeout, Message: err.Error()}
		}
		return nil, &Error{Code: CodeConnectivity, Message: err.Error()}
	}
	defer resp.Body.Close()

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode invoke response: %w", err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	if out.Result == nil {
		return nil, fmt.Errorf("invoke %s: backend returned neither result nor error", name)
	}
	return out.Result, nil
}
