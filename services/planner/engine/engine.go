// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine wires the planning pipeline into the single public
// entry point, ExecuteQuery.
//
// One call runs one Turn: champion retrieval, strategic planning, plan
// validation, then phase-by-phase tactical resolution and execution with
// self-correction. The caller consumes a finite ordered event stream
// that always ends with exactly one turn_completed or turn_failed event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rgeissen/uderia-sub006/services/llm"
	"github.com/rgeissen/uderia-sub006/services/planner"
	"github.com/rgeissen/uderia-sub006/services/planner/assemble"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
	"github.com/rgeissen/uderia-sub006/services/planner/events"
	"github.com/rgeissen/uderia-sub006/services/planner/execute"
	"github.com/rgeissen/uderia-sub006/services/planner/observability"
	"github.com/rgeissen/uderia-sub006/services/planner/orchestrate"
	"github.com/rgeissen/uderia-sub006/services/planner/retrieval"
	"github.com/rgeissen/uderia-sub006/services/planner/session"
	"github.com/rgeissen/uderia-sub006/services/planner/strategic"
	"github.com/rgeissen/uderia-sub006/services/planner/tactical"
	"github.com/rgeissen/uderia-sub006/services/planner/validate"
)

// championTopK is how many champion cases are retrieved per turn.
const championTopK = 3

// eventBuffer sizes the per-turn event channel.
const eventBuffer = 64

// Engine runs turns against a capability backend.
//
// Thread Safety:
//
//	Engine is safe for concurrent use; each ExecuteQuery call owns its
//	Turn exclusively.
type Engine struct {
	model     llm.Client
	capClient capability.Client
	catalog   *capability.Catalog

	store     session.Store
	retriever retrieval.Retriever
	assembler *assemble.Assembler
	strategic *strategic.Planner
	validator *validate.Validator
	tactical  *tactical.Planner
	executor  *execute.Executor

	classifier     *execute.Classifier
	maxCorrections int

	dateRange   *orchestrate.DateRange
	columns     *orchestrate.ColumnIteration
	loopRepair  *orchestrate.LoopRepair
	comparative *orchestrate.Comparative

	sm *planner.PhaseStateMachine

	championClass         string
	comparativeCapability string
	maxHistoryTurns       int
	maxReplans            int
	logger                *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRetriever sets the champion-case retriever. Defaults to the no-op
// retriever, which disables seeding and archiving.
func WithRetriever(r retrieval.Retriever) Option {
	return func(e *Engine) { e.retriever = r }
}

// WithStore sets the session store. Defaults to in-memory.
func WithStore(s session.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithClassifier sets the failure classifier used for self-correction.
func WithClassifier(c *execute.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithMaxCorrections bounds self-correction attempts per phase.
func WithMaxCorrections(n int) Option {
	return func(e *Engine) { e.maxCorrections = n }
}

// WithComparativeProviders enables the comparative orchestrator for the
// named capability.
func WithComparativeProviders(capabilityName string, providers []llm.Client) Option {
	return func(e *Engine) {
		e.comparativeCapability = capabilityName
		e.comparative = orchestrate.NewComparative(providers, orchestrate.DefaultConfig())
	}
}

// WithChampionClass sets the champion-case collection name.
func WithChampionClass(class string) Option {
	return func(e *Engine) { e.championClass = class }
}

// WithMaxReplans bounds champion-seeded replans per turn.
func WithMaxReplans(n int) Option {
	return func(e *Engine) { e.maxReplans = n }
}

// WithValidatorConfig overrides the plan validator configuration.
func WithValidatorConfig(cfg validate.Config) Option {
	return func(e *Engine) { e.validator = validate.NewValidator(cfg) }
}

// WithAssemblerConfig overrides the context assembly configuration.
func WithAssemblerConfig(cfg assemble.Config) Option {
	return func(e *Engine) {
		e.assembler = assemble.NewAssembler(e.catalog, cfg)
		e.maxHistoryTurns = cfg.MaxHistoryTurns
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an engine around a planning model and capability backend.
//
// Inputs:
//
//	model - The provider used for strategic, tactical, and correction calls.
//	capClient - The capability execution backend.
//	catalog - The capability catalog, typically from capability.LoadCatalog.
//	opts - Optional overrides.
func New(model llm.Client, capClient capability.Client, catalog *capability.Catalog, opts ...Option) *Engine {
	orchCfg := orchestrate.DefaultConfig()
	e := &Engine{
		model:     model,
		capClient: capClient,
		catalog:   catalog,

		store:     session.NewInMemoryStore(),
		retriever: &retrieval.NoopRetriever{},
		assembler: assemble.NewAssembler(catalog, assemble.DefaultConfig()),
		strategic: strategic.NewPlanner(model),
		validator: validate.NewValidator(validate.DefaultConfig()),
		tactical:  tactical.NewPlanner(model),

		classifier:     execute.NewClassifier(),
		maxCorrections: execute.DefaultMaxCorrections,

		dateRange:  orchestrate.NewDateRange(capClient, orchCfg),
		columns:    orchestrate.NewColumnIteration(capClient, orchCfg),
		loopRepair: orchestrate.NewLoopRepair(capClient, orchCfg),

		sm: planner.DefaultPhaseStateMachine,

		championClass:   "ChampionCase",
		maxHistoryTurns: assemble.DefaultConfig().MaxHistoryTurns,
		maxReplans:      1,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	// The executor is built after option application so the classifier
	// and correction bound compose regardless of option order.
	e.executor = execute.NewExecutor(capClient, model, e.classifier, execute.WithMaxCorrections(e.maxCorrections))
	return e
}

// ExecuteQuery runs one turn and streams its trace events.
//
// The returned channel is closed after the terminal turn_completed or
// turn_failed event. Cancelling the context between phases marks the
// remaining phases skipped and fails the turn.
//
// Inputs:
//
//	ctx - Context governing the whole turn.
//	sessionID - The owning session.
//	query - The raw user request.
//
// Outputs:
//
//	<-chan *events.Event - The finite ordered event stream.
//	error - Non-nil only for an empty query.
func (e *Engine) ExecuteQuery(ctx context.Context, sessionID, query string) (<-chan *events.Event, error) {
	if strings.TrimSpace(query) == "" {
		return nil, planner.ErrEmptyQuery
	}

	turn := planner.NewTurn(sessionID, query)
	ch := make(chan *events.Event, eventBuffer)
	emitter := events.NewEmitter(ctx, turn.ID, sessionID, ch)
	emitter.Register(events.LoggingHandler(e.logger, slog.LevelDebug))

	go e.runTurn(ctx, turn, emitter, ch)
	return ch, nil
}

func (e *Engine) runTurn(ctx context.Context, turn *planner.Turn, emitter *events.Emitter, ch chan *events.Event) {
	defer close(ch)

	history, err := e.store.LoadHistory(ctx, turn.SessionID, e.maxHistoryTurns)
	if err != nil {
		e.logger.Warn("History unavailable, continuing without context",
			slog.String("session_id", turn.SessionID),
			slog.String("error", err.Error()),
		)
		history = nil
	}

	champions := e.retriever.Retrieve(ctx, turn.Query, e.championClass, championTopK)
	observability.RetrievalResults.Observe(float64(len(champions)))

	assembled := e.assembler.Assemble(history, turn, nil, true)
	plan, err := e.strategic.Plan(ctx, turn.Query, assembled, champions, turn.Cost)
	if err != nil {
		e.failTurn(turn, emitter, &planner.TurnFailure{
			Reason: "the request could not be turned into a workable plan",
			Cause:  err,
		})
		return
	}
	turn.Plan = plan
	if n := e.validator.Validate(plan, e.catalog); n > 0 {
		observability.PlanRewritesTotal.Add(float64(n))
		e.logger.Info("Plan rewritten during validation",
			slog.String("turn_id", turn.ID),
			slog.Int("rewrites", n),
		)
	}

	replans := 0
	for {
		phase := turn.Plan.CurrentPhase()
		if phase == nil {
			break
		}
		if err := ctx.Err(); err != nil {
			e.skipRemaining(turn)
			e.failTurn(turn, emitter, &planner.TurnFailure{
				Reason:          "the request was cancelled before all phases completed",
				SucceededPhases: succeededCount(turn),
				Cause:           err,
			})
			return
		}

		err := e.runPhase(ctx, history, turn, phase, emitter)
		if err == nil {
			continue
		}

		if errors.Is(err, planner.ErrMaxRetriesExceeded) && len(champions) > 0 && replans < e.maxReplans {
			replans++
			observability.ReplansTotal.Inc()
			e.logger.Info("Corrections exhausted, replanning from champion",
				slog.String("turn_id", turn.ID),
				slog.Int("phase", phase.Ordinal),
				slog.Int("replan", replans),
			)
			if replanErr := e.replan(ctx, history, turn, champions, emitter); replanErr != nil {
				e.failTurn(turn, emitter, &planner.TurnFailure{
					Reason:          "replanning from a prior successful case also failed",
					SucceededPhases: succeededCount(turn),
					Cause:           replanErr,
				})
				return
			}
			continue
		}

		e.skipRemaining(turn)
		e.failTurn(turn, emitter, &planner.TurnFailure{
			Reason:          fmt.Sprintf("phase %d (%s) could not be completed", phase.Ordinal, phase.Goal),
			SucceededPhases: succeededCount(turn),
			Cause:           err,
		})
		return
	}

	e.completeTurn(ctx, turn, emitter)
}

// runPhase resolves and executes one phase to a terminal status.
func (e *Engine) runPhase(ctx context.Context, history []*planner.Turn, turn *planner.Turn, phase *planner.Phase, emitter *events.Emitter) error {
	start := time.Now()
	defer func() {
		observability.PhaseDuration.Observe(time.Since(start).Seconds())
		observability.PhasesTotal.WithLabelValues(phase.Status.String()).Inc()
		emitter.Emit(events.TypePhaseCompleted, phase.Ordinal, &events.PhaseCompletedData{
			Status:     phase.Status.String(),
			Output:     phaseOutput(phase),
			Err:        phase.ErrorDetail,
			RetryCount: phase.RetryCount,
		})
	}()

	if err := e.transition(turn, phase, planner.PhaseResolving); err != nil {
		return err
	}
	emitter.Emit(events.TypePhaseStarted, phase.Ordinal, &events.PhaseStartedData{
		Goal:       phase.Goal,
		Candidates: phase.Candidates,
	})

	assembled := e.assembler.Assemble(history, turn, phase, false)
	resolution, err := e.tactical.Resolve(ctx, phase, assembled, e.catalog, turn.Cost)
	if err != nil {
		phase.ErrorDetail = err.Error()
		if tErr := e.sm.Transition(phase, planner.PhaseFailed); tErr != nil {
			return tErr
		}
		return err
	}
	if resolution.FastPath {
		observability.FastPathHitsTotal.Inc()
	}
	if len(resolution.MissingRequired) > 0 {
		e.logger.Info("Resolution left required arguments unbound, routing to correction",
			slog.Int("phase", phase.Ordinal),
			slog.String("capability", resolution.Capability.Name),
			slog.String("missing", strings.Join(resolution.MissingRequired, ", ")),
		)
	}
	phase.ResolvedCapability = resolution.Capability.Name
	phase.Arguments = resolution.Arguments
	target := orchestrate.Target{
		Capability: resolution.Capability,
		Arguments:  resolution.Arguments,
	}

	if exp, handled, expErr := e.orchestrate(ctx, turn, phase, target); handled {
		if expErr != nil {
			return e.executor.FailExpansion(turn, phase, expansionKind(phase, target, e.comparativeCapability), expErr)
		}
		observability.ExpansionsTotal.WithLabelValues(string(exp.Orchestrator)).Inc()
		return e.executor.RecordExpansion(turn, phase, exp, emitter)
	}

	return e.executor.Execute(ctx, turn, phase, target, turn.Cost, emitter)
}

// orchestrate routes a resolved phase to its expansion pattern, if any.
// Column iteration is checked on every resolution path, so a fast-path
// resolution and a model resolution produce identical expansions.
func (e *Engine) orchestrate(ctx context.Context, turn *planner.Turn, phase *planner.Phase, target orchestrate.Target) (*orchestrate.Expansion, bool, error) {
	switch {
	case phase.HasFlag(planner.FlagDateRange):
		exp, err := e.dateRange.Run(ctx, phase, target, turn.Cost)
		return exp, true, err

	case phase.HasFlag(planner.FlagLoopRepair):
		exp, err := e.loopRepair.Run(ctx, turn, phase, target, turn.Cost)
		return exp, true, err

	case e.comparative != nil && target.Capability.Name == e.comparativeCapability:
		exp, err := e.comparative.Run(ctx, phase, turn.Cost)
		return exp, true, err

	case orchestrate.NeedsColumnIteration(target):
		exp, err := e.columns.Run(ctx, phase, target, turn.Cost)
		return exp, true, err
	}
	return nil, false, nil
}

// replan discards the remaining phases and builds a fresh champion-seeded
// plan. Succeeded phases are carried into the new plan so later phases
// can still hydrate their results; only the fresh phases execute.
func (e *Engine) replan(ctx context.Context, history []*planner.Turn, turn *planner.Turn, champions []planner.ChampionCase, emitter *events.Emitter) error {
	e.skipRemaining(turn)

	assembled := e.assembler.Assemble(history, turn, nil, false)
	plan, err := e.strategic.Plan(ctx, turn.Query, assembled, champions, turn.Cost)
	if err != nil {
		return err
	}
	plan.ChampionSeeded = true
	e.validator.Validate(plan, e.catalog)

	var carried []*planner.Phase
	if turn.Plan != nil {
		for _, p := range turn.Plan.Phases {
			if p.Status == planner.PhaseSucceeded {
				carried = append(carried, p)
			}
		}
	}
	plan.Phases = append(carried, plan.Phases...)
	for i, p := range plan.Phases {
		p.Ordinal = i
	}
	turn.Plan = plan
	return nil
}

func (e *Engine) completeTurn(ctx context.Context, turn *planner.Turn, emitter *events.Emitter) {
	turn.Finalize()
	observability.TurnsTotal.WithLabelValues("completed").Inc()
	observability.TurnTokens.Observe(float64(turn.Cost.TotalTokens()))

	answer := ""
	if p := turn.Plan.CurrentPhase(); p == nil {
		if last := turn.LastSucceededPhase(); last != nil && last.Result != nil {
			answer = last.Result.Payload
		}
	}

	if err := e.store.AppendTurn(ctx, turn); err != nil {
		e.logger.Warn("Turn could not be persisted",
			slog.String("turn_id", turn.ID),
			slog.String("error", err.Error()),
		)
	}
	e.archiveChampion(ctx, turn)

	emitter.Emit(events.TypeTurnCompleted, -1, &events.TurnCompletedData{
		Phases:      len(turn.Plan.Phases),
		TotalTokens: turn.Cost.TotalTokens(),
		Answer:      answer,
	})
}

func (e *Engine) failTurn(turn *planner.Turn, emitter *events.Emitter, failure *planner.TurnFailure) {
	turn.Valid = false
	turn.Finalize()
	observability.TurnsTotal.WithLabelValues("failed").Inc()
	observability.TurnTokens.Observe(float64(turn.Cost.TotalTokens()))

	e.logger.Warn("Turn failed",
		slog.String("turn_id", turn.ID),
		slog.String("reason", failure.Reason),
		slog.Int("succeeded_phases", failure.SucceededPhases),
	)

	// Failed turns are persisted for audit; Valid=false keeps them out
	// of future context assembly.
	if err := e.store.AppendTurn(context.WithoutCancel(context.Background()), turn); err != nil {
		e.logger.Warn("Failed turn could not be persisted",
			slog.String("turn_id", turn.ID),
			slog.String("error", err.Error()),
		)
	}

	emitter.Emit(events.TypeTurnFailed, -1, &events.TurnFailedData{
		Reason:          failure.Error(),
		SucceededPhases: failure.SucceededPhases,
	})
}

// archiveChampion records a fully successful turn as a champion case.
// Storage failures degrade silently; archiving is best effort.
func (e *Engine) archiveChampion(ctx context.Context, turn *planner.Turn) {
	if turn.Plan == nil {
		return
	}
	snippet := strategic.SerializePlan(turn.Plan)
	if snippet == "" {
		return
	}
	championCase := planner.ChampionCase{
		Query:       turn.Query,
		PlanSnippet: snippet,
		TokenCost:   turn.Cost.TotalTokens(),
		Succeeded:   true,
	}
	if err := e.retriever.Archive(ctx, e.championClass, championCase); err != nil {
		e.logger.Warn("Champion case could not be archived",
			slog.String("turn_id", turn.ID),
			slog.String("error", err.Error()),
		)
	}
}

// skipRemaining marks every non-terminal phase skipped.
func (e *Engine) skipRemaining(turn *planner.Turn) {
	if turn.Plan == nil {
		return
	}
	for _, p := range turn.Plan.Phases {
		if !p.Status.IsTerminal() {
			if err := e.transition(turn, p, planner.PhaseSkipped); err != nil {
				e.logger.Warn("Phase could not be skipped",
					slog.Int("phase", p.Ordinal),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// transition applies a status change and records it in the trace.
func (e *Engine) transition(turn *planner.Turn, phase *planner.Phase, to planner.PhaseStatus) error {
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

func succeededCount(turn *planner.Turn) int {
	if turn.Plan == nil {
		return 0
	}
	n := 0
	for _, p := range turn.Plan.Phases {
		if p.Status == planner.PhaseSucceeded {
			n++
		}
	}
	return n
}

func phaseOutput(phase *planner.Phase) string {
	if phase.Result == nil {
		return ""
	}
	return phase.Result.Payload
}

func expansionKind(phase *planner.Phase, target orchestrate.Target, comparativeCapability string) orchestrate.Kind {
	switch {
	case phase.HasFlag(planner.FlagDateRange):
		return orchestrate.KindDateRange
	case phase.HasFlag(planner.FlagLoopRepair):
		return orchestrate.KindLoopRepair
	case target.Capability.Name == comparativeCapability:
		return orchestrate.KindComparative
	default:
		return orchestrate.KindColumnIteration
	}
}
