// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrate implements deterministic multi-call expansions that
// substitute for, or wrap around, a single tactical decision: date-range
// iteration, column iteration, hallucinated-loop repair, and comparative
// multi-provider invocation.
//
// Every expansion consolidates its underlying calls into one logical
// result attributed to the phase, with each call recorded so trace
// consumers can count logical actions without double-counting.
package orchestrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

// Kind names an orchestration pattern.
type Kind string

const (
	// KindDateRange iterates a single-day capability over a resolved
	// concrete date list.
	KindDateRange Kind = "date_range"

	// KindColumnIteration iterates a column-scoped capability over
	// enumerated columns.
	KindColumnIteration Kind = "column_iteration"

	// KindLoopRepair executes the deterministic loop produced by the
	// plan validator's hallucinated-loop rewrite.
	KindLoopRepair Kind = "loop_repair"

	// KindComparative runs a fixed prompt sequence against multiple
	// model providers.
	KindComparative Kind = "comparative"
)

// Config holds orchestrator tuning knobs.
type Config struct {
	// AnchorCapability resolves the current date.
	AnchorCapability string

	// ColumnEnumCapability enumerates the columns of a data source.
	ColumnEnumCapability string

	// MaxIterations caps underlying calls per expansion.
	MaxIterations int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AnchorCapability:     "get_current_date",
		ColumnEnumCapability: "list_columns",
		MaxIterations:        31,
	}
}

// Expansion is the consolidated outcome of one orchestrated phase.
type Expansion struct {
	// Orchestrator is the pattern that produced the expansion.
	Orchestrator Kind

	// Result is the single logical result attributed to the phase.
	Result *planner.PhaseResult

	// Calls are the underlying calls in execution order.
	Calls []planner.CallRecord
}

// Target is the capability call an orchestrator expands.
type Target struct {
	// Capability is the resolved capability descriptor.
	Capability planner.CapabilityDescriptor

	// Arguments are the resolved base arguments, copied per iteration.
	Arguments map[string]any
}

// NeedsColumnIteration reports whether a resolved call requires column
// expansion: the capability is column-scoped and no column argument was
// resolved. The check applies identically on the fast path and the
// tactical path.
func NeedsColumnIteration(target Target) bool {
	if target.Capability.Scope != planner.ScopeColumn {
		return false
	}
	name, ok := columnArgName(target.Capability)
	if !ok {
		return false
	}
	_, present := target.Arguments[name]
	return !present
}

// columnArgName returns the capability's column-identifier argument.
func columnArgName(desc planner.CapabilityDescriptor) (string, bool) {
	for _, a := range desc.Arguments {
		if strings.Contains(strings.ToLower(a.Name), "column") {
			return a.Name, true
		}
	}
	return "", false
}

// dateArgName returns the capability's date argument.
func dateArgName(desc planner.CapabilityDescriptor) (string, bool) {
	for _, a := range desc.Arguments {
		lower := strings.ToLower(a.Name)
		if strings.Contains(lower, "date") || strings.Contains(lower, "day") {
			return a.Name, true
		}
	}
	return "", false
}

// invoke performs one underlying capability call and records it.
func invoke(ctx context.Context, client capability.Client, cost *planner.CostAccumulator, name string, args map[string]any) (*capability.Result, planner.CallRecord) {
	start := time.Now()
	cost.AddCapabilityCall()
	result, err := client.Invoke(ctx, name, args)

	record := planner.CallRecord{
		Capability: name,
		Arguments:  args,
		Duration:   time.Since(start),
	}
	if err != nil {
		record.Err = err.Error()
		return nil, record
	}
	record.Output = result.Output
	return result, record
}

// cloneArgs copies a base argument map for one iteration.
func cloneArgs(base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	return out
}

// consolidate merges per-iteration outputs into one payload.
func consolidate(labels, outputs []string) string {
	var b strings.Builder
	for i, out := range outputs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", labels[i], out)
	}
	return b.String()
}
