// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"errors"
	"fmt"
)

// Sentinel errors for the planner package.
var (
	// ErrInvalidPhaseTransition indicates an invalid phase status transition.
	ErrInvalidPhaseTransition = errors.New("invalid phase status transition")

	// ErrMaxRetriesExceeded indicates the per-phase retry budget is exhausted.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrIterationLimitExceeded indicates an orchestrator or tactical loop
	// exceeded its configured maximum cycles.
	ErrIterationLimitExceeded = errors.New("iteration limit exceeded")

	// ErrEmptyQuery indicates the query is empty.
	ErrEmptyQuery = errors.New("query must not be empty")

	// ErrCapabilityNotFound indicates the resolved capability does not
	// exist in the catalog.
	ErrCapabilityNotFound = errors.New("capability not found")
)

// PlanStructuralError indicates the strategic planner's response could not
// be parsed into a valid phase structure, even after the bounded corrective
// retry.
type PlanStructuralError struct {
	// Detail describes what was malformed.
	Detail string

	// Attempts is how many parse attempts were made.
	Attempts int
}

func (e *PlanStructuralError) Error() string {
	return fmt.Sprintf("meta-plan structurally invalid after %d attempts: %s", e.Attempts, e.Detail)
}

// TurnFailure is the terminal error attached to a turn_failed event. It
// carries a human-readable explanation plus whatever phases succeeded, so
// the caller never receives an opaque failure.
type TurnFailure struct {
	// Reason explains what could not be completed and why.
	Reason string

	// SucceededPhases is the count of phases that completed before the
	// failure.
	SucceededPhases int

	// Cause is the underlying error, if classifiable.
	Cause error
}

func (e *TurnFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("turn failed after %d successful phases: %s: %v", e.SucceededPhases, e.Reason, e.Cause)
	}
	return fmt.Sprintf("turn failed after %d successful phases: %s", e.SucceededPhases, e.Reason)
}

func (e *TurnFailure) Unwrap() error {
	return e.Cause
}
