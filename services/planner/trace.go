// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TraceEntryType classifies entries in an ExecutionTrace.
type TraceEntryType string

const (
	// EntryPhaseTransition records a phase status change.
	EntryPhaseTransition TraceEntryType = "phase_transition"

	// EntryCapabilityCall records one capability invocation, including
	// each underlying call of an orchestrated expansion.
	EntryCapabilityCall TraceEntryType = "capability_call"

	// EntryCorrection records one self-correction attempt.
	EntryCorrection TraceEntryType = "correction"

	// EntryExpansion records an orchestrator expanding one logical call
	// into N underlying calls.
	EntryExpansion TraceEntryType = "expansion"

	// EntryModelCall records one model-provider call.
	EntryModelCall TraceEntryType = "model_call"
)

// CallRecord describes one underlying capability call inside an
// orchestrated expansion.
type CallRecord struct {
	// Capability is the invoked capability name.
	Capability string `json:"capability"`

	// Arguments are the invocation arguments.
	Arguments map[string]any `json:"arguments,omitempty"`

	// Output is a possibly truncated copy of the result.
	Output string `json:"output,omitempty"`

	// Err is the error message for failed calls.
	Err string `json:"err,omitempty"`

	// Duration is how long the call took.
	Duration time.Duration `json:"duration"`
}

// TraceEntry is one record in an ExecutionTrace.
type TraceEntry struct {
	// ID uniquely identifies the entry.
	ID string `json:"id"`

	// Type classifies the entry.
	Type TraceEntryType `json:"type"`

	// PhaseOrdinal attributes the entry to a phase.
	PhaseOrdinal int `json:"phase_ordinal"`

	// Attempt is the 0-indexed attempt number within the phase.
	Attempt int `json:"attempt"`

	// FromStatus and ToStatus are set for phase transitions.
	FromStatus PhaseStatus `json:"from_status,omitempty"`
	ToStatus   PhaseStatus `json:"to_status,omitempty"`

	// Capability is the logical capability name for call entries.
	Capability string `json:"capability,omitempty"`

	// Arguments are the logical call arguments.
	Arguments map[string]any `json:"arguments,omitempty"`

	// Output is the (possibly truncated) logical result.
	Output string `json:"output,omitempty"`

	// Err carries the error message for failed calls and corrections.
	Err string `json:"err,omitempty"`

	// Expanded lists the underlying calls of an orchestrated expansion.
	// Empty for plain calls, so consumers can count logical actions
	// without double-counting.
	Expanded []CallRecord `json:"expanded,omitempty"`

	// Orchestrator names the expansion pattern for expansion entries.
	Orchestrator string `json:"orchestrator,omitempty"`

	// Tokens is the token usage for model-call entries.
	Tokens int `json:"tokens,omitempty"`

	// Timestamp is when the entry was appended.
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionTrace is the append-only ordered log of events for one Turn.
//
// Entries are strictly ordered by insertion. Within one Turn, insertions
// happen from a single goroutine in phase order, so entries are ordered by
// phase ordinal and, within a phase, by attempt number.
//
// Thread Safety:
//
//	ExecutionTrace is safe for concurrent reads while the owning
//	goroutine appends.
type ExecutionTrace struct {
	mu      sync.RWMutex
	entries []TraceEntry
}

// NewExecutionTrace returns an empty trace.
func NewExecutionTrace() *ExecutionTrace {
	return &ExecutionTrace{}
}

// Append adds an entry, stamping its ID and timestamp.
//
// Inputs:
//
//	entry - The entry to append. ID and Timestamp are overwritten.
func (t *ExecutionTrace) Append(entry TraceEntry) {
	entry.ID = uuid.NewString()
	entry.Timestamp = time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
}

// Entries returns a copy of all entries in insertion order.
func (t *ExecutionTrace) Entries() []TraceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *ExecutionTrace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// LogicalCalls returns the capability-call and expansion entries, one per
// logical action. Underlying calls of an expansion are reachable through
// the entry's Expanded field and are never top-level entries.
func (t *ExecutionTrace) LogicalCalls() []TraceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []TraceEntry
	for _, e := range t.entries {
		if e.Type == EntryCapabilityCall || e.Type == EntryExpansion {
			out = append(out, e)
		}
	}
	return out
}

// MarshalJSON serializes the trace as a flat entry array.
func (t *ExecutionTrace) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(t.entries)
}

// UnmarshalJSON restores a trace from a flat entry array.
func (t *ExecutionTrace) UnmarshalJSON(data []byte) error {
	var entries []TraceEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	return nil
}

// CorrectionCount returns the number of correction entries for a phase.
func (t *ExecutionTrace) CorrectionCount(phaseOrdinal int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if e.Type == EntryCorrection && e.PhaseOrdinal == phaseOrdinal {
			n++
		}
	}
	return n
}
