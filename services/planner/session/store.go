// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session persists finalized turns per session and serves the
// history window consumed by context assembly.
//
// Invalidated turns are retained for audit but excluded from LoadHistory,
// so hydration never reads from a turn marked unusable.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

// ErrTurnNotFound is returned when invalidating an unknown turn.
var ErrTurnNotFound = errors.New("session: turn not found")

// Store persists turns grouped by session.
//
// Thread Safety:
//
//	Implementations are safe for concurrent use.
type Store interface {
	// LoadHistory returns the most recent valid finalized turns of a
	// session, oldest first.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout.
	//   sessionID - The session to load.
	//   limit - Maximum turns to return; 0 means no limit.
	//
	// Outputs:
	//   []*planner.Turn - Valid turns, oldest first.
	//   error - Non-nil on storage failure.
	LoadHistory(ctx context.Context, sessionID string, limit int) ([]*planner.Turn, error)

	// AppendTurn persists a finalized turn.
	AppendTurn(ctx context.Context, turn *planner.Turn) error

	// Invalidate marks a stored turn unusable for future context.
	Invalidate(ctx context.Context, sessionID, turnID string) error

	// Close releases storage resources.
	Close() error
}

// InMemoryStore keeps turns in process memory. Used in tests and for
// ephemeral sessions.
type InMemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]*planner.Turn
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{turns: make(map[string][]*planner.Turn)}
}

// LoadHistory returns the session's valid turns, oldest first.
func (s *InMemoryStore) LoadHistory(_ context.Context, sessionID string, limit int) ([]*planner.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*planner.Turn
	for _, t := range s.turns[sessionID] {
		if t.Valid {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// AppendTurn stores the turn.
func (s *InMemoryStore) AppendTurn(_ context.Context, turn *planner.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

// Invalidate marks the turn unusable.
func (s *InMemoryStore) Invalidate(_ context.Context, sessionID, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.turns[sessionID] {
		if t.ID == turnID {
			t.Valid = false
			return nil
		}
	}
	return ErrTurnNotFound
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
