// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package planner defines the core data model for the plan orchestration
// engine: turns, meta-plans, phases, capability descriptors, and champion
// cases. Subpackages implement strategic planning, deterministic plan
// validation, tactical resolution, orchestrated multi-call expansions, and
// phase execution with self-correction.
//
// A Turn is one user request/response cycle. The strategic planner produces
// exactly one MetaPlan per Turn; the validator may rewrite it before the
// first phase executes; after that the plan is only mutated through phase
// status transitions.
//
// Thread Safety:
//
//	A Turn and its MetaPlan are owned by a single goroutine for the
//	lifetime of the Turn. Types shared across turns (catalogs, clients)
//	live in subpackages and are safe for concurrent use.
package planner

import (
	"time"

	"github.com/google/uuid"
)

// PhaseStatus is the execution status of a single phase.
//
// Valid transitions are enforced by PhaseStateMachine. A phase never moves
// backwards and never leaves a terminal status.
type PhaseStatus string

const (
	// PhasePending means the phase has not started resolving.
	PhasePending PhaseStatus = "pending"

	// PhaseResolving means tactical resolution (or orchestrator detection)
	// is in progress.
	PhaseResolving PhaseStatus = "resolving"

	// PhaseExecuting means a capability call is in flight.
	PhaseExecuting PhaseStatus = "executing"

	// PhaseRetrying means a recoverable failure occurred and a corrected
	// attempt is being prepared.
	PhaseRetrying PhaseStatus = "retrying"

	// PhaseSucceeded is a terminal success status.
	PhaseSucceeded PhaseStatus = "succeeded"

	// PhaseFailed is a terminal failure status.
	PhaseFailed PhaseStatus = "failed"

	// PhaseSkipped is a terminal status for phases abandoned by
	// cancellation or an upstream terminal failure.
	PhaseSkipped PhaseStatus = "skipped"
)

// String returns the string representation of the status.
func (s PhaseStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status is terminal.
func (s PhaseStatus) IsTerminal() bool {
	switch s {
	case PhaseSucceeded, PhaseFailed, PhaseSkipped:
		return true
	default:
		return false
	}
}

// AllPhaseStatuses returns every valid phase status.
func AllPhaseStatuses() []PhaseStatus {
	return []PhaseStatus{
		PhasePending,
		PhaseResolving,
		PhaseExecuting,
		PhaseRetrying,
		PhaseSucceeded,
		PhaseFailed,
		PhaseSkipped,
	}
}

// CapabilityKind distinguishes the closed set of invocable unit kinds.
type CapabilityKind string

const (
	// KindTool is a single backend action.
	KindTool CapabilityKind = "tool"

	// KindPrompt is a pre-defined multi-step prompt workflow.
	KindPrompt CapabilityKind = "prompt"
)

// ScopeTag marks capabilities whose invocation is scoped to an entity that
// may require orchestrated iteration when absent from the arguments.
type ScopeTag string

const (
	// ScopeNone means the capability has no iteration scope.
	ScopeNone ScopeTag = ""

	// ScopeColumn means the capability operates on one column at a time
	// and requires a column identifier argument.
	ScopeColumn ScopeTag = "column"

	// ScopeDay means the capability operates on a single calendar day.
	ScopeDay ScopeTag = "day"
)

// ArgumentSpec declares one argument in a capability schema.
type ArgumentSpec struct {
	// Name is the argument name.
	Name string `json:"name"`

	// Type is the declared type (string, number, boolean, array, object).
	Type string `json:"type"`

	// Required marks arguments that must be present on invocation.
	Required bool `json:"required"`

	// Description is the backend-provided argument description.
	Description string `json:"description,omitempty"`
}

// CapabilityDescriptor describes one invocable unit exposed by the
// execution backend.
type CapabilityDescriptor struct {
	// Kind is tool or prompt.
	Kind CapabilityKind `json:"kind"`

	// Name is the unique capability name.
	Name string `json:"name"`

	// Description is the backend-provided description.
	Description string `json:"description,omitempty"`

	// Arguments is the declared argument schema.
	Arguments []ArgumentSpec `json:"arguments,omitempty"`

	// Scope tags capabilities that may need orchestrated iteration.
	Scope ScopeTag `json:"scope,omitempty"`
}

// RequiredArguments returns the names of all required arguments.
func (d CapabilityDescriptor) RequiredArguments() []string {
	var names []string
	for _, a := range d.Arguments {
		if a.Required {
			names = append(names, a.Name)
		}
	}
	return names
}

// Argument returns the spec for the named argument.
func (d CapabilityDescriptor) Argument(name string) (ArgumentSpec, bool) {
	for _, a := range d.Arguments {
		if a.Name == name {
			return a, true
		}
	}
	return ArgumentSpec{}, false
}

// TabularMeta summarizes a tabular payload without carrying the rows.
// Used by context distillation for oversized results.
type TabularMeta struct {
	// RowCount is the number of rows in the full payload.
	RowCount int `json:"row_count"`

	// Columns are the column names.
	Columns []string `json:"columns"`

	// Sample holds a small leading sample of the payload.
	Sample string `json:"sample,omitempty"`
}

// PhaseResult is the outcome payload of a succeeded phase.
type PhaseResult struct {
	// Payload is the raw result text.
	Payload string `json:"payload"`

	// Tabular is set when the payload was recognized as tabular data.
	Tabular *TabularMeta `json:"tabular,omitempty"`

	// Calls is the number of underlying capability calls that produced
	// this result (greater than one for orchestrated expansions).
	Calls int `json:"calls"`
}

// Phase is one step of a MetaPlan.
//
// Arguments never contain an explicit nil for a declared field: an argument
// that could not be resolved is absent from the map entirely.
type Phase struct {
	// Ordinal is the 0-indexed position in the plan. Phases execute
	// strictly in ordinal order.
	Ordinal int `json:"ordinal"`

	// Goal is the natural-language goal of this phase.
	Goal string `json:"goal"`

	// Candidates are capability names the strategic planner considered
	// relevant to the goal. Tactical resolution picks one.
	Candidates []string `json:"candidates"`

	// ResolvedCapability is set at tactical time.
	ResolvedCapability string `json:"resolved_capability,omitempty"`

	// Arguments are the resolved invocation arguments. Unresolved
	// arguments are omitted, never stored as nil.
	Arguments map[string]any `json:"arguments,omitempty"`

	// Status is the current execution status.
	Status PhaseStatus `json:"status"`

	// Result holds the outcome payload once the phase succeeds.
	Result *PhaseResult `json:"result,omitempty"`

	// ErrorDetail holds the failure description for failed phases.
	ErrorDetail string `json:"error_detail,omitempty"`

	// RetryCount is the number of self-correction attempts consumed.
	RetryCount int `json:"retry_count"`

	// Flags carry routing hints set by the plan validator's rewrite
	// passes and consumed by orchestrators.
	Flags []string `json:"flags,omitempty"`
}

// Phase flags set by the plan validator.
const (
	// FlagDateRange routes the phase to the date-range orchestrator.
	FlagDateRange = "date_range"

	// FlagLoopRepair routes the phase to the hallucinated-loop repair
	// orchestrator.
	FlagLoopRepair = "loop_repair"
)

// HasFlag reports whether the phase carries a flag.
func (p *Phase) HasFlag(flag string) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag sets a flag once.
func (p *Phase) AddFlag(flag string) {
	if !p.HasFlag(flag) {
		p.Flags = append(p.Flags, flag)
	}
}

// SetArgument stores a resolved argument value. Nil values are dropped so
// the no-null-placeholder invariant holds at every write site.
func (p *Phase) SetArgument(name string, value any) {
	if value == nil {
		return
	}
	if p.Arguments == nil {
		p.Arguments = make(map[string]any)
	}
	p.Arguments[name] = value
}

// MetaPlan is the ordered multi-phase plan for one Turn.
type MetaPlan struct {
	// Phases are executed in slice order.
	Phases []*Phase `json:"phases"`

	// ChampionSeeded records whether a champion case informed planning.
	ChampionSeeded bool `json:"champion_seeded"`
}

// CurrentPhase returns the first non-terminal phase, or nil when all
// phases are terminal.
func (m *MetaPlan) CurrentPhase() *Phase {
	for _, p := range m.Phases {
		if !p.Status.IsTerminal() {
			return p
		}
	}
	return nil
}

// Terminal reports whether every phase has reached a terminal status.
func (m *MetaPlan) Terminal() bool {
	return m.CurrentPhase() == nil
}

// ChampionCase is a previously archived successful plan used as a planning
// hint. Champion cases are read-only once retrieved.
type ChampionCase struct {
	// Query is the original query the plan answered.
	Query string `json:"query"`

	// PlanSnippet is the serialized phase breakdown of the archived plan.
	PlanSnippet string `json:"plan_snippet"`

	// TokenCost is the realized token cost of the archived run.
	TokenCost int `json:"token_cost"`

	// Score is the similarity score assigned by the retrieval store.
	Score float64 `json:"score"`

	// Succeeded records whether the archived run completed successfully.
	Succeeded bool `json:"succeeded"`
}

// Turn is one request/response cycle within a session.
type Turn struct {
	// ID uniquely identifies the turn.
	ID string `json:"id"`

	// SessionID identifies the owning session.
	SessionID string `json:"session_id"`

	// Query is the raw user request.
	Query string `json:"query"`

	// Plan is the resolved meta-plan. Nil until strategic planning
	// completes.
	Plan *MetaPlan `json:"plan,omitempty"`

	// Cost accumulates token and call counters for this turn only.
	Cost *CostAccumulator `json:"cost"`

	// Trace is the append-only execution trace.
	Trace *ExecutionTrace `json:"trace"`

	// Valid marks the turn as usable for future context. Invalid turns
	// are retained but excluded from context assembly.
	Valid bool `json:"valid"`

	// CreatedAt is when the turn was opened.
	CreatedAt time.Time `json:"created_at"`

	// FinalizedAt is when all phases reached terminal status.
	FinalizedAt time.Time `json:"finalized_at,omitzero"`
}

// NewTurn creates a turn with a fresh cost accumulator and empty trace.
//
// Inputs:
//
//	sessionID - The owning session.
//	query - The raw user request.
//
// Outputs:
//
//	*Turn - The initialized turn in valid state.
func NewTurn(sessionID, query string) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Query:     query,
		Cost:      NewCostAccumulator(),
		Trace:     NewExecutionTrace(),
		Valid:     true,
		CreatedAt: time.Now().UTC(),
	}
}

// Finalized reports whether the turn has been finalized.
func (t *Turn) Finalized() bool {
	return !t.FinalizedAt.IsZero()
}

// Finalize stamps the finalization time. Idempotent.
func (t *Turn) Finalize() {
	if t.FinalizedAt.IsZero() {
		t.FinalizedAt = time.Now().UTC()
	}
}

// LastSucceededPhase returns the most recent succeeded phase, if any.
func (t *Turn) LastSucceededPhase() *Phase {
	if t.Plan == nil {
		return nil
	}
	for i := len(t.Plan.Phases) - 1; i >= 0; i-- {
		if t.Plan.Phases[i].Status == PhaseSucceeded {
			return t.Plan.Phases[i]
		}
	}
	return nil
}
