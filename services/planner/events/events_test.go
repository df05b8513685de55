// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_Emit(t *testing.T) {
	sink := make(chan *Event, 8)
	emitter := NewEmitter(context.Background(), "turn-1", "session-1", sink)

	var handled []*Event
	emitter.Register(func(ev *Event) { handled = append(handled, ev) })

	emitter.Emit(TypePhaseStarted, 0, &PhaseStartedData{Goal: "list the tables"})
	emitter.Emit(TypeTurnCompleted, -1, &TurnCompletedData{Phases: 1})
	close(sink)

	var received []*Event
	for ev := range sink {
		received = append(received, ev)
	}

	require.Len(t, handled, 2)
	require.Len(t, received, 2)
	assert.Equal(t, handled[0].ID, received[0].ID, "handlers and sink see the same events")

	first := received[0]
	assert.Equal(t, TypePhaseStarted, first.Type)
	assert.Equal(t, "turn-1", first.TurnID)
	assert.Equal(t, "session-1", first.SessionID)
	assert.Equal(t, 0, first.PhaseOrdinal)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())

	// Turn-level events carry no phase ordinal.
	assert.Zero(t, received[1].PhaseOrdinal)
	assert.NotEqual(t, received[0].ID, received[1].ID)
}

func TestEmitter_FullSinkDoesNotBlockAfterCancel(t *testing.T) {
	// An abandoned consumer must not stall the turn: once the turn
	// context is cancelled, sends to a full sink are dropped.
	sink := make(chan *Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	emitter := NewEmitter(ctx, "turn-1", "session-1", sink)

	emitter.Emit(TypePhaseStarted, 0, &PhaseStartedData{Goal: "fill the buffer"})
	cancel()

	done := make(chan struct{})
	go func() {
		emitter.Emit(TypePhaseCompleted, 0, &PhaseCompletedData{Status: "succeeded"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full sink after cancellation")
	}
}

func TestEmitter_NoSink(t *testing.T) {
	emitter := NewEmitter(context.Background(), "turn-1", "session-1", nil)

	seen := 0
	emitter.Register(func(*Event) { seen++ })

	// Without a sink, emitting must not block or panic.
	emitter.Emit(TypePhaseCompleted, 2, &PhaseCompletedData{Status: "succeeded"})
	assert.Equal(t, 1, seen)
}
