// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validate

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

// =============================================================================
// Capability-kind reclassification
// =============================================================================

// kindPass fixes candidates whose declared kind prefix disagrees with the
// catalog. Planning models sometimes emit "tool:report_summary" when the
// capability is only available as a prompt (or vice versa); the catalog is
// authoritative.
type kindPass struct{}

func (kindPass) Name() string { return "capability_kind" }

func (kindPass) Apply(plan *planner.MetaPlan, catalog *capability.Catalog) bool {
	changed := false
	for _, phase := range plan.Phases {
		for i, candidate := range phase.Candidates {
			normalized := normalizeCandidate(candidate, catalog)
			if normalized != candidate {
				phase.Candidates[i] = normalized
				changed = true
			}
		}
	}
	return changed
}

// normalizeCandidate strips a kind prefix and restores the bare catalog
// name. Unknown names pass through untouched so later stages can report
// them against the catalog.
func normalizeCandidate(candidate string, catalog *capability.Catalog) string {
	name := candidate
	if idx := strings.IndexByte(candidate, ':'); idx > 0 {
		prefix := candidate[:idx]
		if prefix == string(planner.KindTool) || prefix == string(planner.KindPrompt) {
			name = candidate[idx+1:]
		}
	}
	if _, ok := catalog.Lookup(name); ok {
		return name
	}
	return candidate
}

// =============================================================================
// Temporal anchoring
// =============================================================================

var (
	// spanPattern matches goals spanning multiple relative days.
	spanPattern = regexp.MustCompile(`(?i)\b(past|last)\s+(\d+|two|three|four|five|six|seven)\s+(days?|weeks?|months?)\b|\blast\s+(week|month)\b`)

	// singleDayPattern matches single-day relative references.
	singleDayPattern = regexp.MustCompile(`(?i)\b(yesterday|today|day\s+before\s+yesterday)\b`)
)

// anchorPass handles goals that reference relative time without a
// preceding anchor phase. Multi-day spans are flagged for the date-range
// orchestrator; single-day references get an anchor phase injected before
// them.
type anchorPass struct {
	anchorCapability string
}

func (anchorPass) Name() string { return "temporal_anchor" }

func (p *anchorPass) Apply(plan *planner.MetaPlan, catalog *capability.Catalog) bool {
	if _, ok := catalog.Lookup(p.anchorCapability); !ok {
		// No anchor capability available; nothing this pass can do.
		return false
	}

	for i, phase := range plan.Phases {
		if spanPattern.MatchString(phase.Goal) && !phase.HasFlag(planner.FlagDateRange) {
			phase.AddFlag(planner.FlagDateRange)
			return true
		}

		if singleDayPattern.MatchString(phase.Goal) &&
			!phase.HasFlag(planner.FlagDateRange) &&
			!p.anchored(plan, i) {
			anchor := &planner.Phase{
				Goal:       "Resolve the current date to anchor relative time references",
				Candidates: []string{p.anchorCapability},
				Status:     planner.PhasePending,
			}
			plan.Phases = append(plan.Phases[:i], append([]*planner.Phase{anchor}, plan.Phases[i:]...)...)
			renumber(plan)
			return true
		}
	}
	return false
}

// anchored reports whether any phase before index already resolves the
// anchor date.
func (p *anchorPass) anchored(plan *planner.MetaPlan, index int) bool {
	for _, phase := range plan.Phases[:index] {
		for _, c := range phase.Candidates {
			if c == p.anchorCapability {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Hallucinated-loop rewriting
// =============================================================================

// literalListPattern matches an inline quoted or comma-separated list in a
// goal, e.g. `for each of "a", "b", "c"`.
var literalListPattern = regexp.MustCompile(`(?i)\b(?:for\s+each\s+of|iterate\s+over|loop\s+over)\s*:?\s*(.+)`)

// loopPass rewrites phases that plan to iterate over a literal list the
// model fabricated rather than a data source produced by an earlier phase.
// Such phases are flagged for the loop-repair orchestrator, which iterates
// the intended capability over real data instead.
//
// Distinguishing a fabricated list from a legitimate small enumeration is
// approximate. Lists shorter than the threshold pass through; lists at or
// above it are rewritten, and near-threshold cases are logged for review.
type loopPass struct {
	threshold int
}

func (loopPass) Name() string { return "hallucinated_loop" }

func (p *loopPass) Apply(plan *planner.MetaPlan, _ *capability.Catalog) bool {
	for i, phase := range plan.Phases {
		if phase.HasFlag(planner.FlagLoopRepair) {
			continue
		}
		items := extractLiteralList(phase.Goal)
		if len(items) == 0 {
			continue
		}
		if producedEarlier(plan, i, items) {
			continue
		}
		if len(items) < p.threshold {
			if len(items) == p.threshold-1 {
				slog.Warn("Literal list just under loop-repair threshold, leaving as-is",
					slog.Int("phase", phase.Ordinal),
					slog.Int("items", len(items)),
				)
			}
			continue
		}

		phase.AddFlag(planner.FlagLoopRepair)
		slog.Info("Rewrote hallucinated loop to deterministic iteration",
			slog.Int("phase", phase.Ordinal),
			slog.Int("items", len(items)),
		)
		return true
	}
	return false
}

// extractLiteralList pulls an inline list out of a goal, if present.
func extractLiteralList(goal string) []string {
	m := literalListPattern.FindStringSubmatch(goal)
	if m == nil {
		return nil
	}
	tail := m[1]
	// Stop the list at the first clause boundary.
	if idx := strings.IndexAny(tail, ".;"); idx >= 0 {
		tail = tail[:idx]
	}
	parts := strings.Split(tail, ",")
	var items []string
	for _, part := range parts {
		item := strings.Trim(strings.TrimSpace(part), `"'`)
		if item == "" {
			continue
		}
		// A long free-text fragment is prose, not a list element.
		if len(strings.Fields(item)) > 4 {
			return nil
		}
		items = append(items, item)
	}
	if len(items) < 2 {
		return nil
	}
	return items
}

// producedEarlier reports whether any earlier phase's goal mentions
// producing the listed items, which would make the enumeration legitimate.
func producedEarlier(plan *planner.MetaPlan, index int, items []string) bool {
	for _, phase := range plan.Phases[:index] {
		goal := strings.ToLower(phase.Goal)
		matches := 0
		for _, item := range items {
			if strings.Contains(goal, strings.ToLower(item)) {
				matches++
			}
		}
		if matches == len(items) {
			return true
		}
	}
	return false
}
