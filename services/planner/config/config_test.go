// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Empty(t, cfg.WeaviateURL, "retrieval is opt-in")
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("UDERIA_PROVIDER", "openai")
	t.Setenv("UDERIA_MODEL", "gpt-4o")
	t.Setenv("WEAVIATE_SERVICE_URL", "http://weaviate:8080")
	t.Setenv("UDERIA_MAX_CORRECTIONS", "5")
	t.Setenv("UDERIA_MAX_REPLAN_DEPTH", "2")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, "http://weaviate:8080", cfg.WeaviateURL)
	assert.Equal(t, 5, cfg.MaxCorrections)
	assert.Equal(t, 2, cfg.MaxReplanDepth)
	assert.Equal(t, 6, cfg.MaxHistoryTurns, "unset values keep their defaults")
}

func TestFromEnv_Invalid(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		t.Setenv("UDERIA_PROVIDER", "carrier-pigeon")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("malformed integer", func(t *testing.T) {
		t.Setenv("UDERIA_MAX_CORRECTIONS", "many")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "UDERIA_MAX_CORRECTIONS")
	})

	t.Run("out of range", func(t *testing.T) {
		t.Setenv("UDERIA_MAX_REPLAN_DEPTH", "99")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("bad store URL", func(t *testing.T) {
		t.Setenv("WEAVIATE_SERVICE_URL", "not a url")
		_, err := FromEnv()
		assert.Error(t, err)
	})
}
