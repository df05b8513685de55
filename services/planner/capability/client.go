// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package capability defines the contract to the tool-execution backend
// and the in-process capability catalog built from it.
//
// The engine never speaks the backend wire protocol directly; it consumes
// this narrow call/response contract only.
//
// Thread Safety:
//
//	Client implementations and Catalog are safe for concurrent use and
//	are shared across concurrent turns.
package capability

import (
	"context"
	"fmt"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

// Error codes reported by the execution backend.
const (
	// CodeSchemaMismatch means the arguments failed backend validation.
	CodeSchemaMismatch = "schema_mismatch"

	// CodeNotFound means a referenced entity (table, column) does
	// not exist.
	CodeNotFound = "not_found"

	// CodeAmbiguousScope means a scoped capability was called without
	// its scope argument.
	CodeAmbiguousScope = "ambiguous_scope"

	// CodePermissionDenied means the caller lacks permission.
	CodePermissionDenied = "permission_denied"

	// CodeConnectivity means the backend could not be reached.
	CodeConnectivity = "connectivity"

	// CodeTimeout means the call exceeded its deadline.
	CodeTimeout = "timeout"
)

// Error is a structured failure from a capability call.
type Error struct {
	// Code is the machine-readable error code, empty when the backend
	// returned only text.
	Code string `json:"code,omitempty"`

	// Message is the backend-provided failure text.
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("capability error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("capability error: %s", e.Message)
}

// Result is the successful outcome of a capability call.
type Result struct {
	// Output is the raw result payload.
	Output string `json:"output"`

	// RowCount and Columns are set when the backend reports tabular
	// shape metadata alongside the payload.
	RowCount int      `json:"row_count,omitempty"`
	Columns  []string `json:"columns,omitempty"`
}

// Client is the contract to the capability-execution backend.
type Client interface {
	// ListCapabilities returns every capability the backend exposes.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout.
	//
	// Outputs:
	//   []planner.CapabilityDescriptor - The available capabilities.
	//   error - Non-nil on transport failure.
	ListCapabilities(ctx context.Context) ([]planner.CapabilityDescriptor, error)

	// Invoke executes one capability call.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout.
	//   name - The capability name.
	//   arguments - The resolved arguments. Never contains nil values.
	//
	// Outputs:
	//   *Result - The call result.
	//   error - *Error for backend-reported failures, other errors for
	//           transport problems.
	Invoke(ctx context.Context, name string, arguments map[string]any) (*Result, error)
}
