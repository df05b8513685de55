// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests.
//
// Responses are returned in FIFO order. When the script is exhausted the
// configured Fallback (or an empty response) is returned. Every request is
// recorded for assertions.
//
// Thread Safety: MockClient is safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	// script holds queued responses and errors, consumed in order.
	script []mockStep

	// Fallback is returned once the script is exhausted. May be nil.
	Fallback *Response

	// InvokeFunc, when set, overrides the script entirely.
	InvokeFunc func(ctx context.Context, request *Request) (*Response, error)

	requests []*Request
}

type mockStep struct {
	resp *Response
	err  error
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// EnqueueResponse appends a scripted response.
func (m *MockClient) EnqueueResponse(resp *Response) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockStep{resp: resp})
	return m
}

// EnqueueText appends a plain text response with nominal token usage.
func (m *MockClient) EnqueueText(text string) *MockClient {
	return m.EnqueueResponse(&Response{Text: text, InputTokens: 10, OutputTokens: 10})
}

// EnqueueError appends a scripted error.
func (m *MockClient) EnqueueError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockStep{err: err})
	return m
}

// Requests returns a copy of all recorded requests.
func (m *MockClient) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of Invoke calls.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Name implements Client.
func (m *MockClient) Name() string { return "mock" }

// Model implements Client.
func (m *MockClient) Model() string { return "mock-model" }

// Invoke implements Client.
func (m *MockClient) Invoke(ctx context.Context, request *Request) (*Response, error) {
	if m.InvokeFunc != nil {
		m.mu.Lock()
		m.requests = append(m.requests, request)
		m.mu.Unlock()
		return m.InvokeFunc(ctx, request)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, request)

	if len(m.script) > 0 {
		step := m.script[0]
		m.script = m.script[1:]
		if step.err != nil {
			return nil, step.err
		}
		return step.resp, nil
	}

	if m.Fallback != nil {
		return m.Fallback, nil
	}
	return &Response{Text: ""}, nil
}
