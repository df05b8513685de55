// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events defines the trace event stream emitted by the engine.
//
// ExecuteQuery yields a finite, ordered sequence of events per turn. The
// sequence always ends with exactly one turn_completed or turn_failed
// event.
//
// Thread Safety:
//
//	Emitter is safe for concurrent use.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind.
type Type string

const (
	// TypePhaseStarted fires when a phase leaves pending.
	TypePhaseStarted Type = "phase_started"

	// TypeCapabilityInvoked fires for each logical capability call.
	TypeCapabilityInvoked Type = "capability_invoked"

	// TypeCorrectionAttempted fires for each self-correction attempt.
	TypeCorrectionAttempted Type = "correction_attempted"

	// TypePhaseCompleted fires when a phase reaches a terminal status.
	TypePhaseCompleted Type = "phase_completed"

	// TypeTurnCompleted fires once when all phases terminate and at
	// least the final phase succeeded.
	TypeTurnCompleted Type = "turn_completed"

	// TypeTurnFailed fires once when the turn cannot be completed. The
	// event carries a human-readable explanation.
	TypeTurnFailed Type = "turn_failed"
)

// Event is one element of the trace event stream.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Type is the event kind.
	Type Type `json:"type"`

	// TurnID identifies the owning turn.
	TurnID string `json:"turn_id"`

	// SessionID identifies the owning session.
	SessionID string `json:"session_id"`

	// PhaseOrdinal is set for phase-scoped events.
	PhaseOrdinal int `json:"phase_ordinal,omitempty"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Data carries the type-specific payload.
	Data any `json:"data,omitempty"`
}

// PhaseStartedData is the payload for phase_started events.
type PhaseStartedData struct {
	Goal       string   `json:"goal"`
	Candidates []string `json:"candidates,omitempty"`
}

// CapabilityInvokedData is the payload for capability_invoked events.
type CapabilityInvokedData struct {
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments,omitempty"`

	// Expanded is the number of underlying calls for orchestrated
	// expansions, zero for plain calls.
	Expanded int `json:"expanded,omitempty"`

	// Orchestrator names the expansion pattern, empty for plain calls.
	Orchestrator string `json:"orchestrator,omitempty"`
}

// CorrectionAttemptedData is the payload for correction_attempted events.
type CorrectionAttemptedData struct {
	Attempt     int    `json:"attempt"`
	FailureText string `json:"failure_text"`
}

// PhaseCompletedData is the payload for phase_completed events.
type PhaseCompletedData struct {
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Err        string `json:"err,omitempty"`
	RetryCount int    `json:"retry_count"`
}

// TurnCompletedData is the payload for turn_completed events.
type TurnCompletedData struct {
	Phases      int    `json:"phases"`
	TotalTokens int    `json:"total_tokens"`
	Answer      string `json:"answer,omitempty"`
}

// TurnFailedData is the payload for turn_failed events.
type TurnFailedData struct {
	Reason          string `json:"reason"`
	SucceededPhases int    `json:"succeeded_phases"`
}

// Handler processes emitted events.
type Handler func(event *Event)

// Emitter fans events out to registered handlers and, when attached, a
// turn-scoped channel consumed by the ExecuteQuery caller.
//
// Thread Safety:
//
//	Emitter is safe for concurrent use.
type Emitter struct {
	mu       sync.RWMutex
	handlers []Handler

	turnID    string
	sessionID string
	sink      chan<- *Event
	done      <-chan struct{}
}

// NewEmitter creates an emitter scoped to one turn.
//
// The sink send honors the turn context: when the context is cancelled
// a full sink no longer blocks the turn, so an abandoned stream cannot
// stall phase execution past the channel buffer.
//
// Inputs:
//
//	ctx - The context governing the turn.
//	turnID - The owning turn ID.
//	sessionID - The owning session ID.
//	sink - Optional channel receiving every event; may be nil.
func NewEmitter(ctx context.Context, turnID, sessionID string, sink chan<- *Event) *Emitter {
	return &Emitter{
		turnID:    turnID,
		sessionID: sessionID,
		sink:      sink,
		done:      ctx.Done(),
	}
}

// Register adds a handler. Handlers run synchronously in emit order.
func (e *Emitter) Register(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit publishes an event to all handlers and the sink.
//
// Inputs:
//
//	typ - The event kind.
//	phaseOrdinal - The phase the event belongs to; -1 for turn-level events.
//	data - The type-specific payload.
func (e *Emitter) Emit(typ Type, phaseOrdinal int, data any) {
	ev := &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TurnID:    e.turnID,
		SessionID: e.sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if phaseOrdinal >= 0 {
		ev.PhaseOrdinal = phaseOrdinal
	}

	e.mu.RLock()
	handlers := e.handlers
	sink := e.sink
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	if sink != nil {
		select {
		case sink <- ev:
		case <-e.done:
			// The consumer is gone; the event still reached the
			// registered handlers.
		}
	}
}
