// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validate runs deterministic rewrite passes over a fresh
// meta-plan before execution begins.
//
// Each pass is a pure function of the plan (plus the capability catalog)
// that detects one class of structural defect and rewrites it in place. No
// pass makes a model call. Passes run in a fixed order to a fixed point,
// capped to a small iteration count to rule out oscillation.
package validate

import (
	"log/slog"

	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

// Pass is one deterministic rewrite pass.
type Pass interface {
	// Name identifies the pass in logs.
	Name() string

	// Apply rewrites the plan in place.
	//
	// Outputs:
	//   bool - True if the plan was modified.
	Apply(plan *planner.MetaPlan, catalog *capability.Catalog) bool
}

// Config holds validator tuning knobs.
type Config struct {
	// AnchorCapability is the capability that resolves the current
	// date, injected as an anchor phase when missing.
	AnchorCapability string

	// LoopListThreshold is the minimum literal-list length treated as a
	// hallucinated loop. Shorter lists are considered legitimate small
	// enumerations. The right cutoff is an open question; borderline
	// cases are logged for review.
	LoopListThreshold int

	// MaxIterations caps fixed-point iteration over the pass sequence.
	MaxIterations int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AnchorCapability:  "get_current_date",
		LoopListThreshold: 3,
		MaxIterations:     4,
	}
}

// Validator runs the fixed, ordered pass sequence.
//
// Thread Safety: Validator is safe for concurrent use; all mutable state
// lives in the plan being rewritten.
type Validator struct {
	passes []Pass
	cfg    Config
}

// NewValidator creates a validator with the standard pass sequence:
// capability-kind reclassification, temporal anchoring, hallucinated-loop
// rewriting.
func NewValidator(cfg Config) *Validator {
	if cfg.AnchorCapability == "" {
		cfg.AnchorCapability = DefaultConfig().AnchorCapability
	}
	if cfg.LoopListThreshold <= 0 {
		cfg.LoopListThreshold = DefaultConfig().LoopListThreshold
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	return &Validator{
		cfg: cfg,
		passes: []Pass{
			&kindPass{},
			&anchorPass{anchorCapability: cfg.AnchorCapability},
			&loopPass{threshold: cfg.LoopListThreshold},
		},
	}
}

// Validate rewrites the plan to a fixed point.
//
// Inputs:
//
//	plan - The fresh meta-plan. Rewritten in place.
//	catalog - The capability catalog.
//
// Outputs:
//
//	int - The number of individual rewrites applied.
func (v *Validator) Validate(plan *planner.MetaPlan, catalog *capability.Catalog) int {
	rewrites := 0
	for iter := 0; iter < v.cfg.MaxIterations; iter++ {
		changed := false
		for _, pass := range v.passes {
			if pass.Apply(plan, catalog) {
				changed = true
				rewrites++
				slog.Debug("Plan rewrite applied", slog.String("pass", pass.Name()))
			}
		}
		if !changed {
			break
		}
	}
	if rewrites > 0 {
		slog.Info("Plan validation rewrote meta-plan",
			slog.Int("rewrites", rewrites),
			slog.Int("phases", len(plan.Phases)),
		)
	}
	return rewrites
}

// renumber reassigns phase ordinals after insertion.
func renumber(plan *planner.MetaPlan) {
	for i, p := range plan.Phases {
		p.Ordinal = i
	}
}
