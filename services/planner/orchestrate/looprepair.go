// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

// LoopRepair executes the corrected deterministic loop for a phase the
// plan validator flagged as a hallucinated loop: instead of iterating a
// literal list the model fabricated, the intended capability iterates over
// the real data source produced by the nearest earlier succeeded phase.
//
// Thread Safety: LoopRepair is safe for concurrent use.
type LoopRepair struct {
	client capability.Client
	cfg    Config
}

// NewLoopRepair creates the loop-repair orchestrator.
func NewLoopRepair(client capability.Client, cfg Config) *LoopRepair {
	return &LoopRepair{client: client, cfg: cfg}
}

// Run executes the repaired loop.
//
// The iteration source is the payload of the nearest earlier succeeded
// phase, one item per non-empty line. The iterated value binds to the
// target's first unresolved required string argument.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//	turn - The current turn (provides the real data source).
//	phase - The flagged phase.
//	target - The resolved capability to iterate.
//
// Outputs:
//
//	*Expansion - One logical result with per-item calls nested.
//	error - Non-nil when no data source exists or the cap is exceeded.
func (l *LoopRepair) Run(ctx context.Context, turn *planner.Turn, phase *planner.Phase, target Target, cost *planner.CostAccumulator) (*Expansion, error) {
	source := iterationSource(turn, phase)
	if source == nil {
		return nil, fmt.Errorf("phase %d has no earlier data source to iterate", phase.Ordinal)
	}

	items := splitItems(source.Result.Payload)
	if len(items) == 0 {
		return nil, fmt.Errorf("iteration source from phase %d is empty", source.Ordinal)
	}
	if len(items) > l.cfg.MaxIterations {
		return nil, fmt.Errorf("%w: %d items exceed cap %d",
			planner.ErrIterationLimitExceeded, len(items), l.cfg.MaxIterations)
	}

	argName, ok := iterationArgName(target)
	if !ok {
		return nil, fmt.Errorf("capability %q has no unbound string argument to iterate", target.Capability.Name)
	}

	slog.Info("Executing repaired loop over real data source",
		slog.Int("phase", phase.Ordinal),
		slog.Int("source_phase", source.Ordinal),
		slog.Int("items", len(items)),
	)

	exp := &Expansion{Orchestrator: KindLoopRepair}
	var labels, outputs []string
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return exp, err
		}
		args := cloneArgs(target.Arguments)
		args[argName] = item

		result, record := invoke(ctx, l.client, cost, target.Capability.Name, args)
		exp.Calls = append(exp.Calls, record)
		if result == nil {
			return exp, fmt.Errorf("call for item %q failed: %s", item, record.Err)
		}
		labels = append(labels, item)
		outputs = append(outputs, result.Output)
	}

	exp.Result = &planner.PhaseResult{
		Payload: consolidate(labels, outputs),
		Calls:   len(exp.Calls),
	}
	return exp, nil
}

// iterationSource finds the nearest earlier succeeded phase with output.
func iterationSource(turn *planner.Turn, phase *planner.Phase) *planner.Phase {
	if turn.Plan == nil {
		return nil
	}
	for i := phase.Ordinal - 1; i >= 0; i-- {
		p := turn.Plan.Phases[i]
		if p.Status == planner.PhaseSucceeded && p.Result != nil && p.Result.Payload != "" {
			return p
		}
	}
	return nil
}

// iterationArgName picks the argument that receives each iterated item:
// the first required string argument not already bound.
func iterationArgName(target Target) (string, bool) {
	for _, a := range target.Capability.Arguments {
		if !a.Required || a.Type != "string" {
			continue
		}
		if _, bound := target.Arguments[a.Name]; !bound {
			return a.Name, true
		}
	}
	return "", false
}

// splitItems splits a payload into iteration items, one per line. A
// header line of delimited tabular data is skipped.
func splitItems(payload string) []string {
	lines := strings.Split(payload, "\n")
	var items []string
	for _, line := range lines {
		item := strings.TrimSpace(line)
		if item != "" {
			items = append(items, item)
		}
	}
	if len(items) > 1 && strings.Contains(items[0], ",") {
		items = items[1:]
	}
	return items
}
