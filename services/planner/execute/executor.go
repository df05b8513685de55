// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package execute runs resolved phases against the capability backend and
// self-corrects recoverable failures.
//
// A failed call is classified. Recoverable failures get a targeted
// correction: the model sees the exact error and the exact arguments that
// produced it, and returns a corrected call. Corrections are bounded per
// phase; unrecoverable failures fail the phase immediately.
//
// Thread Safety:
//
//	Executor is safe for concurrent use across turns. A single Phase must
//	only be executed from one goroutine.
package execute

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rgeissen/uderia-sub006/services/llm"
	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
	"github.com/rgeissen/uderia-sub006/services/planner/events"
	"github.com/rgeissen/uderia-sub006/services/planner/observability"
	"github.com/rgeissen/uderia-sub006/services/planner/orchestrate"
)

// DefaultMaxCorrections bounds self-correction attempts per phase.
const DefaultMaxCorrections = 3

// tracePayloadLimit caps how much of a result is copied into the trace.
const tracePayloadLimit = 2048

// Executor runs one resolved phase to a terminal status.
type Executor struct {
	client     capability.Client
	model      llm.Client
	classifier *Classifier
	sm         *planner.PhaseStateMachine
	maxRetries int
}

// Option customizes an Executor.
type Option func(*Executor)

// WithMaxCorrections overrides the per-phase correction bound.
func WithMaxCorrections(n int) Option {
	return func(e *Executor) { e.maxRetries = n }
}

// NewExecutor creates an executor.
//
// Inputs:
//
//	client - The capability backend.
//	model - The provider used for correction calls.
//	classifier - Maps failures to a correction strategy.
func NewExecutor(client capability.Client, model llm.Client, classifier *Classifier, opts ...Option) *Executor {
	e := &Executor{
		client:     client,
		model:      model,
		classifier: classifier,
		sm:         planner.DefaultPhaseStateMachine,
		maxRetries: DefaultMaxCorrections,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a resolved phase with self-correction.
//
// The phase must be in the resolving status with a resolved capability.
// On return the phase is succeeded or failed. A call missing a required
// argument is routed to the correction path without reaching the
// backend. A recoverable failure that exhausts the correction bound
// returns ErrMaxRetriesExceeded so the caller can decide whether a
// champion-seeded replan is available.
//
// Inputs:
//
//	turn - The owning turn, used for trace recording.
//	phase - The phase to execute. Mutated in place.
//	target - The resolved capability and arguments.
//	cost - The turn's cost accumulator.
//	emitter - The turn's event emitter.
//
// Outputs:
//
//	error - Non-nil when the phase failed.
func (e *Executor) Execute(ctx context.Context, turn *planner.Turn, phase *planner.Phase, target orchestrate.Target, cost *planner.CostAccumulator, emitter *events.Emitter) error {
	if err := e.transition(turn, phase, planner.PhaseExecuting); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			e.fail(turn, phase, err)
			return err
		}

		// A call with an unresolved required argument never reaches the
		// backend; it goes straight to the correction path.
		if missing := missingRequiredArguments(target.Capability, phase.Arguments); len(missing) > 0 {
			failure := fmt.Errorf("required arguments unresolved: %s", strings.Join(missing, ", "))
			if phase.RetryCount >= e.maxRetries {
				e.fail(turn, phase, failure)
				return fmt.Errorf("%w: phase %d failed after %d corrections: %s",
					planner.ErrMaxRetriesExceeded, phase.Ordinal, phase.RetryCount, failure)
			}
			if err := e.correct(ctx, turn, phase, target, failure, missingArgumentsHint, cost, emitter); err != nil {
				e.fail(turn, phase, err)
				return err
			}
			continue
		}

		result, callErr := e.invokeOnce(ctx, turn, phase, target, cost, emitter)
		if callErr == nil {
			phase.Result = result
			return e.transition(turn, phase, planner.PhaseSucceeded)
		}

		classified := e.classifier.Classify(callErr)
		switch classified.Class {
		case ClassUnrecoverable:
			e.fail(turn, phase, callErr)
			return callErr

		case ClassRecoverable:
			if phase.RetryCount >= e.maxRetries {
				e.fail(turn, phase, callErr)
				return fmt.Errorf("%w: phase %d failed after %d corrections: %s",
					planner.ErrMaxRetriesExceeded, phase.Ordinal, phase.RetryCount, callErr)
			}
			if err := e.correct(ctx, turn, phase, target, callErr, classified.Hint, cost, emitter); err != nil {
				e.fail(turn, phase, err)
				return err
			}

		case ClassUnknown:
			// One blind retry, then give up.
			if phase.RetryCount >= 1 {
				e.fail(turn, phase, callErr)
				return callErr
			}
			if err := e.genericRetry(turn, phase, callErr, emitter); err != nil {
				e.fail(turn, phase, err)
				return err
			}
		}
	}
}

// RecordExpansion attributes an orchestrated expansion to a phase and
// marks it succeeded. The expansion's calls appear in the trace as one
// logical entry; its underlying calls never appear individually.
func (e *Executor) RecordExpansion(turn *planner.Turn, phase *planner.Phase, exp *orchestrate.Expansion, emitter *events.Emitter) error {
	if err := e.transition(turn, phase, planner.PhaseExecuting); err != nil {
		return err
	}

	phase.Result = exp.Result
	turn.Trace.Append(planner.TraceEntry{
		Type:         planner.EntryExpansion,
		PhaseOrdinal: phase.Ordinal,
		Capability:   phase.ResolvedCapability,
		Arguments:    phase.Arguments,
		Output:       truncate(exp.Result.Payload, tracePayloadLimit),
		Expanded:     exp.Calls,
		Orchestrator: string(exp.Orchestrator),
	})
	emitter.Emit(events.TypeCapabilityInvoked, phase.Ordinal, &events.CapabilityInvokedData{
		Capability:   phase.ResolvedCapability,
		Arguments:    phase.Arguments,
		Expanded:     len(exp.Calls),
		Orchestrator: string(exp.Orchestrator),
	})
	return e.transition(turn, phase, planner.PhaseSucceeded)
}

// FailExpansion records an orchestrated expansion that could not produce
// a result and fails the phase.
func (e *Executor) FailExpansion(turn *planner.Turn, phase *planner.Phase, orchestrator orchestrate.Kind, failure error) error {
	if phase.Status == planner.PhaseResolving {
		if err := e.transition(turn, phase, planner.PhaseExecuting); err != nil {
			return err
		}
	}
	turn.Trace.Append(planner.TraceEntry{
		Type:         planner.EntryExpansion,
		PhaseOrdinal: phase.Ordinal,
		Capability:   phase.ResolvedCapability,
		Orchestrator: string(orchestrator),
		Err:          failure.Error(),
	})
	e.fail(turn, phase, failure)
	return failure
}

// invokeOnce performs one capability call and records it.
//
// Dispatch is closed over the capability kind: tool capabilities go to
// the backend, prompt capabilities run their workflow through the model
// provider.
func (e *Executor) invokeOnce(ctx context.Context, turn *planner.Turn, phase *planner.Phase, target orchestrate.Target, cost *planner.CostAccumulator, emitter *events.Emitter) (*planner.PhaseResult, error) {
	if target.Capability.Kind == planner.KindPrompt {
		return e.invokePrompt(ctx, turn, phase, target, cost, emitter)
	}

	start := time.Now()
	result, err := e.client.Invoke(ctx, target.Capability.Name, phase.Arguments)
	cost.AddCapabilityCall()

	entry := planner.TraceEntry{
		Type:         planner.EntryCapabilityCall,
		PhaseOrdinal: phase.Ordinal,
		Attempt:      phase.RetryCount,
		Capability:   target.Capability.Name,
		Arguments:    phase.Arguments,
	}
	if err != nil {
		entry.Err = err.Error()
		turn.Trace.Append(entry)
		return nil, err
	}
	entry.Output = truncate(result.Output, tracePayloadLimit)
	turn.Trace.Append(entry)

	emitter.Emit(events.TypeCapabilityInvoked, phase.Ordinal, &events.CapabilityInvokedData{
		Capability: target.Capability.Name,
		Arguments:  phase.Arguments,
	})
	slog.Debug("Capability call succeeded",
		slog.String("capability", target.Capability.Name),
		slog.Int("phase", phase.Ordinal),
		slog.Duration("duration", time.Since(start)),
	)

	phaseResult := &planner.PhaseResult{
		Payload: result.Output,
		Calls:   1,
	}
	if result.RowCount > 0 || len(result.Columns) > 0 {
		phaseResult.Tabular = &planner.TabularMeta{
			RowCount: result.RowCount,
			Columns:  result.Columns,
		}
	}
	return phaseResult, nil
}

// invokePrompt runs a prompt-kind capability through the model provider.
// The capability description is the workflow instruction; bound arguments
// are rendered into the user message.
func (e *Executor) invokePrompt(ctx context.Context, turn *planner.Turn, phase *planner.Phase, target orchestrate.Target, cost *planner.CostAccumulator, emitter *events.Emitter) (*planner.PhaseResult, error) {
	resp, err := e.model.Invoke(ctx, &llm.Request{
		SystemPrompt: target.Capability.Description,
		Messages:     []llm.Message{{Role: "user", Content: renderPromptArguments(phase.Goal, phase.Arguments)}},
	})

	entry := planner.TraceEntry{
		Type:         planner.EntryCapabilityCall,
		PhaseOrdinal: phase.Ordinal,
		Attempt:      phase.RetryCount,
		Capability:   target.Capability.Name,
		Arguments:    phase.Arguments,
	}
	if err != nil {
		entry.Err = err.Error()
		turn.Trace.Append(entry)
		return nil, err
	}
	cost.AddModelUsage(resp.InputTokens, resp.OutputTokens, resp.CostUSD)
	entry.Output = truncate(resp.Text, tracePayloadLimit)
	entry.Tokens = resp.InputTokens + resp.OutputTokens
	turn.Trace.Append(entry)

	emitter.Emit(events.TypeCapabilityInvoked, phase.Ordinal, &events.CapabilityInvokedData{
		Capability: target.Capability.Name,
		Arguments:  phase.Arguments,
	})
	return &planner.PhaseResult{Payload: resp.Text, Calls: 1}, nil
}

// correct runs one targeted correction attempt and rewrites the phase
// arguments from the model's corrected call.
func (e *Executor) correct(ctx context.Context, turn *planner.Turn, phase *planner.Phase, target orchestrate.Target, failure error, hint string, cost *planner.CostAccumulator, emitter *events.Emitter) error {
	if err := e.transition(turn, phase, planner.PhaseRetrying); err != nil {
		return err
	}
	phase.RetryCount++
	observability.CorrectionsTotal.Inc()

	turn.Trace.Append(planner.TraceEntry{
		Type:         planner.EntryCorrection,
		PhaseOrdinal: phase.Ordinal,
		Attempt:      phase.RetryCount,
		Capability:   target.Capability.Name,
		Err:          failure.Error(),
	})
	emitter.Emit(events.TypeCorrectionAttempted, phase.Ordinal, &events.CorrectionAttemptedData{
		Attempt:     phase.RetryCount,
		FailureText: failure.Error(),
	})

	prompt := buildCorrectionPrompt(phase, target.Capability, failure, hint)
	resp, err := e.model.Invoke(ctx, &llm.Request{
		SystemPrompt: correctionSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return fmt.Errorf("correction call failed: %w", err)
	}
	cost.AddModelUsage(resp.InputTokens, resp.OutputTokens, resp.CostUSD)
	turn.Trace.Append(planner.TraceEntry{
		Type:         planner.EntryModelCall,
		PhaseOrdinal: phase.Ordinal,
		Attempt:      phase.RetryCount,
		Tokens:       resp.InputTokens + resp.OutputTokens,
	})

	corrected, err := parseCorrectionResponse(resp.Text)
	if err != nil {
		return fmt.Errorf("correction unusable: %w", err)
	}
	phase.Arguments = corrected

	slog.Info("Applied correction",
		slog.Int("phase", phase.Ordinal),
		slog.Int("attempt", phase.RetryCount),
		slog.String("capability", target.Capability.Name),
	)
	return e.transition(turn, phase, planner.PhaseExecuting)
}

// genericRetry re-runs an unclassified failure once without changing
// arguments.
func (e *Executor) genericRetry(turn *planner.Turn, phase *planner.Phase, failure error, emitter *events.Emitter) error {
	if err := e.transition(turn, phase, planner.PhaseRetrying); err != nil {
		return err
	}
	phase.RetryCount++
	observability.CorrectionsTotal.Inc()

	turn.Trace.Append(planner.TraceEntry{
		Type:         planner.EntryCorrection,
		PhaseOrdinal: phase.Ordinal,
		Attempt:      phase.RetryCount,
		Err:          failure.Error(),
	})
	emitter.Emit(events.TypeCorrectionAttempted, phase.Ordinal, &events.CorrectionAttemptedData{
		Attempt:     phase.RetryCount,
		FailureText: failure.Error(),
	})
	slog.Warn("Retrying unclassified failure",
		slog.Int("phase", phase.Ordinal),
		slog.String("error", failure.Error()),
	)
	return e.transition(turn, phase, planner.PhaseExecuting)
}

func (e *Executor) fail(turn *planner.Turn, phase *planner.Phase, cause error) {
	phase.ErrorDetail = cause.Error()
	if err := e.transition(turn, phase, planner.PhaseFailed); err != nil {
		slog.Error("Phase could not be failed",
			slog.Int("phase", phase.Ordinal),
			slog.String("error", err.Error()),
		)
	}
}

// transition applies a status change and records it in the trace.
func (e *Executor) transition(turn *planner.Turn, phase *planner.Phase, to planner.PhaseStatus) error {
	from := phase.Status
	if err := e.sm.Transition(phase, to); err != nil {
		return err
	}
	turn.Trace.Append(planner.TraceEntry{
		Type:         planner.EntryPhaseTransition,
		PhaseOrdinal: phase.Ordinal,
		Attempt:      phase.RetryCount,
		FromStatus:   from,
		ToStatus:     to,
	})
	return nil
}

// missingArgumentsHint guides the correction call when required
// arguments were never resolved rather than rejected by the backend.
const missingArgumentsHint = "Derive a concrete value for each unresolved argument from the goal and context, or omit the key if none exists."

// missingRequiredArguments lists required arguments absent from the
// bound argument set.
func missingRequiredArguments(desc planner.CapabilityDescriptor, args map[string]any) []string {
	var missing []string
	for _, name := range desc.RequiredArguments() {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// renderPromptArguments composes the user message for a prompt-kind
// capability: the phase goal followed by the bound arguments, one per
// line in stable order.
func renderPromptArguments(goal string, args map[string]any) string {
	var b strings.Builder
	b.WriteString(goal)
	if len(args) == 0 {
		return b.String()
	}
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteString("\n")
	for _, name := range names {
		fmt.Fprintf(&b, "\n%s: %v", name, args[name])
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…(truncated)"
}
