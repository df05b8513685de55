// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

// InvokeRecord captures one Invoke call made against the mock.
type InvokeRecord struct {
	Name      string
	Arguments map[string]any
}

// MockClient is a scripted capability backend for tests.
//
// Handlers are registered per capability name. Unregistered capabilities
// return a not_found Error. Every invocation is recorded.
//
// Thread Safety: MockClient is safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	descriptors []planner.CapabilityDescriptor
	handlers    map[string]func(arguments map[string]any) (*Result, error)
	invocations []InvokeRecord
}

// NewMockClient creates a mock exposing the given descriptors.
func NewMockClient(descriptors []planner.CapabilityDescriptor) *MockClient {
	return &MockClient{
		descriptors: descriptors,
		handlers:    make(map[string]func(arguments map[string]any) (*Result, error)),
	}
}

// Handle registers a handler for a capability name.
func (m *MockClient) Handle(name string, fn func(arguments map[string]any) (*Result, error)) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = fn
	return m
}

// HandleStatic registers a handler returning a fixed output.
func (m *MockClient) HandleStatic(name, output string) *MockClient {
	return m.Handle(name, func(map[string]any) (*Result, error) {
		return &Result{Output: output}, nil
	})
}

// Invocations returns a copy of all recorded invocations in order.
func (m *MockClient) Invocations() []InvokeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InvokeRecord, len(m.invocations))
	copy(out, m.invocations)
	return out
}

// InvocationsOf returns the recorded invocations of one capability.
func (m *MockClient) InvocationsOf(name string) []InvokeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []InvokeRecord
	for _, r := range m.invocations {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// ListCapabilities implements Client.
func (m *MockClient) ListCapabilities(_ context.Context) ([]planner.CapabilityDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]planner.CapabilityDescriptor, len(m.descriptors))
	copy(out, m.descriptors)
	return out, nil
}

// Invoke implements Client.
func (m *MockClient) Invoke(_ context.Context, name string, arguments map[string]any) (*Result, error) {
	m.mu.Lock()
	handler, ok := m.handlers[name]
	m.invocations = append(m.invocations, InvokeRecord{Name: name, Arguments: arguments})
	m.mu.Unlock()

	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("capability %q not registered", name)}
	}
	return handler(arguments)
}
