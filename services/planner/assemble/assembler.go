// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package assemble builds the prompt context for model calls: filtered
// conversation history, the capability catalog, and hydrated prior-phase
// results, distilling oversized payloads into compact summaries.
//
// Assembly is a pure function of its inputs. It never mutates the Turn, so
// assembling the same context twice yields identical results.
package assemble

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/rgeissen/uderia-sub006/services/llm"
	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

// Config holds assembly tuning knobs.
type Config struct {
	// DistillThreshold is the payload size in bytes above which prior
	// results are distilled instead of injected verbatim.
	DistillThreshold int

	// SampleSize is the approximate byte size of the sample kept when
	// distilling.
	SampleSize int

	// MaxHistoryTurns bounds how many prior turns are included.
	MaxHistoryTurns int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DistillThreshold: 4096,
		SampleSize:       512,
		MaxHistoryTurns:  6,
	}
}

// Assembled is the prompt context for one model call.
type Assembled struct {
	// SystemPrompt is the system message.
	SystemPrompt string

	// Messages is the conversation history plus the current request.
	Messages []llm.Message

	// CatalogRendering is the capability catalog text included in the
	// system prompt (full schemas on the first call of a turn, names
	// only afterwards).
	CatalogRendering string

	// Hydrated is the prior-phase result injected for the current
	// phase, empty when the phase has no data dependency.
	Hydrated string
}

// Assembler builds prompt context for model calls.
//
// Thread Safety: Assembler is safe for concurrent use.
type Assembler struct {
	catalog *capability.Catalog
	cfg     Config
}

// NewAssembler creates an assembler over a capability catalog.
func NewAssembler(catalog *capability.Catalog, cfg Config) *Assembler {
	if cfg.DistillThreshold <= 0 {
		cfg.DistillThreshold = DefaultConfig().DistillThreshold
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultConfig().SampleSize
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = DefaultConfig().MaxHistoryTurns
	}
	return &Assembler{catalog: catalog, cfg: cfg}
}

// Assemble builds the context for a model call within a turn.
//
// Inputs:
//
//	history - Prior turns of the session, oldest first. Invalid turns
//	          are filtered out.
//	turn - The current turn. Never mutated.
//	phase - The phase the call serves; nil for strategic planning.
//	firstCall - True for the first model call of the turn. Controls
//	            whether full capability schemas are included.
//
// Outputs:
//
//	*Assembled - The assembled context.
func (a *Assembler) Assemble(history []*planner.Turn, turn *planner.Turn, phase *planner.Phase, firstCall bool) *Assembled {
	out := &Assembled{}

	if firstCall {
		out.CatalogRendering = a.catalog.RenderFull()
	} else {
		out.CatalogRendering = a.catalog.RenderCondensed()
	}

	out.Messages = a.historyMessages(history)
	out.Messages = append(out.Messages, llm.Message{Role: "user", Content: turn.Query})

	if phase != nil {
		out.Hydrated = a.Hydrate(history, turn, phase)
	}

	var sys strings.Builder
	sys.WriteString("You are the Uderia plan orchestration engine.\n\nAvailable capabilities:\n")
	sys.WriteString(out.CatalogRendering)
	if out.Hydrated != "" {
		sys.WriteString("\n\nContext from earlier phases:\n")
		sys.WriteString(out.Hydrated)
	}
	out.SystemPrompt = sys.String()

	return out
}

// Hydrate returns the prior result relevant to a phase, distilled when
// oversized. The source is the latest succeeded phase of the current turn,
// falling back to the immediately preceding valid turn.
//
// Hydrate is pure: calling it twice with the same inputs yields the same
// text.
//
// Inputs:
//
//	history - Prior turns of the session, oldest first.
//	turn - The current turn.
//	phase - The phase needing context.
//
// Outputs:
//
//	string - The hydration text, empty when no prior result exists.
func (a *Assembler) Hydrate(history []*planner.Turn, turn *planner.Turn, phase *planner.Phase) string {
	// Prefer results from earlier phases of the same turn.
	if turn.Plan != nil {
		for i := phase.Ordinal - 1; i >= 0; i-- {
			p := turn.Plan.Phases[i]
			if p.Status == planner.PhaseSucceeded && p.Result != nil && p.Result.Payload != "" {
				return a.renderResult(fmt.Sprintf("phase %d (%s)", p.Ordinal, p.Goal), p.Result)
			}
		}
	}

	// Fall back to the immediately preceding valid turn.
	for i := len(history) - 1; i >= 0; i-- {
		prev := history[i]
		if !prev.Valid {
			continue
		}
		if p := prev.LastSucceededPhase(); p != nil && p.Result != nil && p.Result.Payload != "" {
			return a.renderResult(fmt.Sprintf("previous turn phase %d (%s)", p.Ordinal, p.Goal), p.Result)
		}
		break
	}

	return ""
}

// renderResult injects a result verbatim or distilled depending on size.
func (a *Assembler) renderResult(label string, result *planner.PhaseResult) string {
	if len(result.Payload) <= a.cfg.DistillThreshold {
		return fmt.Sprintf("[%s]\n%s", label, result.Payload)
	}

	meta := Distill(result.Payload, a.cfg.SampleSize)
	slog.Debug("Distilled oversized prior result",
		slog.String("source", label),
		slog.Int("payload_bytes", len(result.Payload)),
		slog.Int("row_count", meta.RowCount),
	)
	var b strings.Builder
	fmt.Fprintf(&b, "[%s, distilled: %d rows", label, meta.RowCount)
	if len(meta.Columns) > 0 {
		fmt.Fprintf(&b, ", columns: %s", strings.Join(meta.Columns, ", "))
	}
	b.WriteString("]\n")
	b.WriteString(meta.Sample)
	return b.String()
}

// historyMessages converts valid prior turns into conversation messages.
func (a *Assembler) historyMessages(history []*planner.Turn) []llm.Message {
	var valid []*planner.Turn
	for _, t := range history {
		if t.Valid && t.Finalized() {
			valid = append(valid, t)
		}
	}
	if len(valid) > a.cfg.MaxHistoryTurns {
		valid = valid[len(valid)-a.cfg.MaxHistoryTurns:]
	}

	var msgs []llm.Message
	for _, t := range valid {
		msgs = append(msgs, llm.Message{Role: "user", Content: t.Query})
		if p := t.LastSucceededPhase(); p != nil && p.Result != nil {
			answer := p.Result.Payload
			if len(answer) > a.cfg.DistillThreshold {
				answer = Distill(answer, a.cfg.SampleSize).Sample
			}
			msgs = append(msgs, llm.Message{Role: "assistant", Content: answer})
		}
	}
	return msgs
}

// Distill reduces a large payload to tabular metadata plus a small sample.
//
// Tabular payloads (first line parses as a delimited header with a
// consistent column count) report row count and column names. The sample
// is taken with a recursive character splitter so it breaks on natural
// boundaries rather than mid-line.
//
// Inputs:
//
//	payload - The oversized payload.
//	sampleSize - Approximate byte size of the retained sample.
//
// Outputs:
//
//	*planner.TabularMeta - The compact summary.
func Distill(payload string, sampleSize int) *planner.TabularMeta {
	meta := &planner.TabularMeta{}

	lines := strings.Split(payload, "\n")
	if cols, ok := parseHeader(lines); ok {
		meta.Columns = cols
		meta.RowCount = countDataRows(lines)
	} else {
		meta.RowCount = len(lines)
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(sampleSize),
		textsplitter.WithChunkOverlap(0),
	)
	chunks, err := splitter.SplitText(payload)
	if err != nil || len(chunks) == 0 {
		if len(payload) > sampleSize {
			payload = payload[:sampleSize]
		}
		meta.Sample = payload
		return meta
	}
	meta.Sample = chunks[0]
	return meta
}

// parseHeader checks whether the payload looks like delimited tabular data
// and returns the column names if so.
func parseHeader(lines []string) ([]string, bool) {
	if len(lines) < 2 {
		return nil, false
	}
	delim := ","
	if strings.Contains(lines[0], "\t") {
		delim = "\t"
	}
	header := strings.Split(lines[0], delim)
	if len(header) < 2 {
		return nil, false
	}
	// Require the first data line to agree on column count.
	if len(strings.Split(lines[1], delim)) != len(header) {
		return nil, false
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.TrimSpace(h)
	}
	return cols, true
}

func countDataRows(lines []string) int {
	n := 0
	for _, l := range lines[1:] {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}
