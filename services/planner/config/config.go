// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Config is the full engine configuration.
type Config struct {
	// Provider selects the planning model provider: openai or anthropic.
	Provider string `validate:"required,oneof=openai anthropic"`

	// Model is the provider model identifier.
	Model string `validate:"required"`

	// WeaviateURL is the champion-case store endpoint. Empty disables
	// retrieval; the engine degrades to unseeded planning.
	WeaviateURL string `validate:"omitempty,url"`

	// WeaviateClass is the champion-case collection name.
	WeaviateClass string `validate:"required"`

	// SessionStorePath is the BadgerDB directory for turn persistence.
	// Empty selects the in-memory store.
	SessionStorePath string

	// PatternTablePath points at a JSON failure-pattern table. Empty
	// keeps the built-in table.
	PatternTablePath string

	// MaxCorrections bounds self-correction attempts per phase.
	MaxCorrections int `validate:"min=0,max=10"`

	// MaxHistoryTurns bounds the context assembly history window.
	MaxHistoryTurns int `validate:"min=0,max=50"`

	// DistillThreshold is the result size in bytes above which prior
	// results are distilled before entering a prompt.
	DistillThreshold int `validate:"min=256"`

	// LoopListThreshold is the minimum literal-list length that triggers
	// the hallucinated-loop rewrite.
	LoopListThreshold int `validate:"min=2"`

	// MaxReplanDepth bounds recursive champion-seeded replanning.
	MaxReplanDepth int `validate:"min=0,max=3"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Provider:          "anthropic",
		Model:             "claude-sonnet-4-5",
		WeaviateClass:     "ChampionCase",
		MaxCorrections:    3,
		MaxHistoryTurns:   6,
		DistillThreshold:  4096,
		LoopListThreshold: 3,
		MaxReplanDepth:    1,
	}
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for unset values.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Non-nil when a value is malformed or fails validation.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("UDERIA_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("UDERIA_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("WEAVIATE_SERVICE_URL"); v != "" {
		cfg.WeaviateURL = v
	}
	if v := os.Getenv("UDERIA_CHAMPION_CLASS"); v != "" {
		cfg.WeaviateClass = v
	}
	if v := os.Getenv("UDERIA_SESSION_STORE"); v != "" {
		cfg.SessionStorePath = v
	}
	if v := os.Getenv("UDERIA_PATTERN_TABLE"); v != "" {
		cfg.PatternTablePath = v
	}

	intVars := []struct {
		name   string
		target *int
	}{
		{"UDERIA_MAX_CORRECTIONS", &cfg.MaxCorrections},
		{"UDERIA_MAX_HISTORY_TURNS", &cfg.MaxHistoryTurns},
		{"UDERIA_DISTILL_THRESHOLD", &cfg.DistillThreshold},
		{"UDERIA_LOOP_LIST_THRESHOLD", &cfg.LoopListThreshold},
		{"UDERIA_MAX_REPLAN_DEPTH", &cfg.MaxReplanDepth},
	}
	for _, v := range intVars {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", v.name, err)
		}
		*v.target = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var configValidate = validator.New()

// Validate checks the configuration against its constraints.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
