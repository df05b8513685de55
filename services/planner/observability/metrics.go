// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes Prometheus metrics for the plan
// orchestration engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "uderia"

var (
	// TurnsTotal counts turns by final outcome (completed, failed).
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "turns_total",
		Help:      "Turns processed, partitioned by outcome.",
	}, []string{"outcome"})

	// PhasesTotal counts phases by terminal status.
	PhasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "phases_total",
		Help:      "Phases executed, partitioned by terminal status.",
	}, []string{"status"})

	// CorrectionsTotal counts self-correction attempts.
	CorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "corrections_total",
		Help:      "Self-correction attempts across all phases.",
	})

	// ReplansTotal counts champion-seeded replans.
	ReplansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "replans_total",
		Help:      "Champion-seeded replans after exhausted corrections.",
	})

	// ExpansionsTotal counts orchestrated expansions by pattern.
	ExpansionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "expansions_total",
		Help:      "Orchestrated expansions, partitioned by orchestrator.",
	}, []string{"orchestrator"})

	// FastPathHitsTotal counts tactical resolutions that skipped the model.
	FastPathHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "fast_path_hits_total",
		Help:      "Tactical resolutions completed without a model call.",
	})

	// PlanRewritesTotal counts deterministic plan rewrites.
	PlanRewritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "plan_rewrites_total",
		Help:      "Deterministic plan rewrites applied during validation.",
	})

	// PhaseDuration observes wall time per phase.
	PhaseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "phase_duration_seconds",
		Help:      "Wall time per phase from resolution start to terminal status.",
		Buckets:   prometheus.DefBuckets,
	})

	// TurnTokens observes total tokens consumed per turn.
	TurnTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "turn_tokens",
		Help:      "Total model tokens consumed per turn.",
		Buckets:   prometheus.ExponentialBuckets(256, 2, 12),
	})

	// RetrievalResults observes champion cases returned per retrieval.
	RetrievalResults = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "retrieval_results",
		Help:      "Champion cases returned per retrieval.",
		Buckets:   []float64{0, 1, 2, 3, 5, 8},
	})
)
