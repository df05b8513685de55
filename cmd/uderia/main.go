// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command uderia runs the plan orchestration engine from the terminal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/rgeissen/uderia-sub006/services/llm"
	"github.com/rgeissen/uderia-sub006/services/planner/assemble"
	"github.com/rgeissen/uderia-sub006/services/planner/capability"
	"github.com/rgeissen/uderia-sub006/services/planner/config"
	"github.com/rgeissen/uderia-sub006/services/planner/engine"
	"github.com/rgeissen/uderia-sub006/services/planner/events"
	"github.com/rgeissen/uderia-sub006/services/planner/execute"
	"github.com/rgeissen/uderia-sub006/services/planner/retrieval"
	"github.com/rgeissen/uderia-sub006/services/planner/session"
	"github.com/rgeissen/uderia-sub006/services/planner/validate"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "uderia",
		Short:   "Plan orchestration engine",
		Version: version,
		Long: `Uderia turns a natural-language request into a validated multi-phase
execution plan, runs it against a capability backend, and self-corrects
recoverable failures along the way.`,
	}
	root.AddCommand(newQueryCmd())
	root.AddCommand(newMetricsCmd())
	return root
}

func newQueryCmd() *cobra.Command {
	var (
		sessionID  string
		backendURL string
		embedURL   string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Run one request through the engine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			eng, cleanup, err := buildEngine(cfg, backendURL, embedURL)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stream, err := eng.ExecuteQuery(ctx, sessionID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return renderStream(cmd, stream)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "default", "session identifier for conversation context")
	cmd.Flags().StringVar(&backendURL, "backend", "http://localhost:8900", "capability backend base URL")
	cmd.Flags().StringVar(&embedURL, "embed-url", os.Getenv("EMBEDDING_SERVICE_URL"), "embedding service /embed endpoint")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log engine internals to stderr")
	return cmd
}

func newMetricsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("Serving metrics", slog.String("addr", addr))
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9190", "listen address")
	return cmd
}

// buildEngine assembles the engine from configuration. The returned
// cleanup closes whatever stores were opened.
func buildEngine(cfg config.Config, backendURL, embedURL string) (*engine.Engine, func(), error) {
	model, err := newModel(cfg)
	if err != nil {
		return nil, nil, err
	}

	capClient := capability.NewHTTPClient(backendURL)
	catalog, err := capability.LoadCatalog(context.Background(), capClient)
	if err != nil {
		return nil, nil, fmt.Errorf("capability backend unavailable: %w", err)
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	validateCfg := validate.DefaultConfig()
	validateCfg.LoopListThreshold = cfg.LoopListThreshold
	assembleCfg := assemble.DefaultConfig()
	assembleCfg.DistillThreshold = cfg.DistillThreshold
	assembleCfg.MaxHistoryTurns = cfg.MaxHistoryTurns

	opts := []engine.Option{
		engine.WithChampionClass(cfg.WeaviateClass),
		engine.WithMaxReplans(cfg.MaxReplanDepth),
		engine.WithMaxCorrections(cfg.MaxCorrections),
		engine.WithValidatorConfig(validateCfg),
		engine.WithAssemblerConfig(assembleCfg),
	}

	if cfg.SessionStorePath != "" {
		store, err := session.OpenBadgerStore(session.BadgerConfig{Path: cfg.SessionStorePath})
		if err != nil {
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { store.Close() })
		opts = append(opts, engine.WithStore(store))
	}

	if cfg.WeaviateURL != "" && embedURL != "" {
		weaviateClient, err := weaviate.NewClient(weaviate.Config{
			Host:   strings.TrimPrefix(strings.TrimPrefix(cfg.WeaviateURL, "https://"), "http://"),
			Scheme: schemeOf(cfg.WeaviateURL),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("weaviate client: %w", err)
		}
		embedder := retrieval.NewHTTPEmbedder(embedURL)
		opts = append(opts, engine.WithRetriever(retrieval.NewWeaviateRetriever(weaviateClient, embedder)))
	}

	if cfg.PatternTablePath != "" {
		classifier, err := execute.NewClassifierFromFile(cfg.PatternTablePath)
		if err != nil {
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { classifier.Close() })
		opts = append(opts, engine.WithClassifier(classifier))
	}

	return engine.New(model, capClient, catalog, opts...), cleanup, nil
}

func newModel(cfg config.Config) (llm.Client, error) {
	switch cfg.Provider {
	case "openai":
		return llm.NewOpenAIClient()
	case "anthropic":
		return llm.NewAnthropicClient()
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func schemeOf(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "https"
	}
	return "http"
}

// renderStream prints the event stream in a compact human form.
func renderStream(cmd *cobra.Command, stream <-chan *events.Event) error {
	out := cmd.OutOrStdout()
	for ev := range stream {
		switch data := ev.Data.(type) {
		case *events.PhaseStartedData:
			fmt.Fprintf(out, "→ phase %d: %s\n", ev.PhaseOrdinal, data.Goal)

		case *events.CapabilityInvokedData:
			if data.Orchestrator != "" {
				fmt.Fprintf(out, "  %s ×%d via %s\n", data.Capability, data.Expanded, data.Orchestrator)
			} else {
				fmt.Fprintf(out, "  %s\n", data.Capability)
			}

		case *events.CorrectionAttemptedData:
			fmt.Fprintf(out, "  ⟳ correction %d: %s\n", data.Attempt, data.FailureText)

		case *events.PhaseCompletedData:
			fmt.Fprintf(out, "← phase %d %s\n", ev.PhaseOrdinal, data.Status)

		case *events.TurnCompletedData:
			fmt.Fprintf(out, "\n%s\n", data.Answer)
			fmt.Fprintf(out, "\n(%d phases, %d tokens)\n", data.Phases, data.TotalTokens)

		case *events.TurnFailedData:
			return fmt.Errorf("%s", data.Reason)
		}
	}
	return nil
}
