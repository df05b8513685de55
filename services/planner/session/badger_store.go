// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

// BadgerConfig configures the persistent session store.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is true.
	Path string

	// InMemory opens an ephemeral database. Used in tests.
	InMemory bool

	// SyncWrites forces fsync on every write.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. Nil disables it.
	Logger *slog.Logger
}

// BadgerStore persists turns in BadgerDB.
//
// Keys are laid out as turn/<session>/<created-at-nanos>/<turn-id> so a
// prefix scan over one session yields turns in creation order.
//
// Thread Safety: BadgerStore is safe for concurrent use.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerStore opens a session store.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*BadgerStore - The opened store. Caller must Close() when done.
//	error - Non-nil if the database cannot be opened.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent session store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create session store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func turnKey(turn *planner.Turn) []byte {
	return []byte(fmt.Sprintf("turn/%s/%020d/%s", turn.SessionID, turn.CreatedAt.UnixNano(), turn.ID))
}

func sessionPrefix(sessionID string) []byte {
	return []byte("turn/" + sessionID + "/")
}

// LoadHistory returns the session's valid turns, oldest first.
func (s *BadgerStore) LoadHistory(ctx context.Context, sessionID string, limit int) ([]*planner.Turn, error) {
	var out []*planner.Turn
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var turn planner.Turn
				if err := json.Unmarshal(val, &turn); err != nil {
					return fmt.Errorf("decode turn %s: %w", it.Item().Key(), err)
				}
				if turn.Valid {
					out = append(out, &turn)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// AppendTurn persists the turn.
func (s *BadgerStore) AppendTurn(_ context.Context, turn *planner.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn %s: %w", turn.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(turnKey(turn), data)
	})
}

// Invalidate marks a stored turn unusable by rewriting it in place.
func (s *BadgerStore) Invalidate(ctx context.Context, sessionID, turnID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var turn planner.Turn
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &turn)
			})
			if err != nil {
				return err
			}
			if turn.ID != turnID {
				continue
			}
			turn.Valid = false
			data, err := json.Marshal(&turn)
			if err != nil {
				return err
			}
			return txn.Set(item.KeyCopy(nil), data)
		}
		return ErrTurnNotFound
	})
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
