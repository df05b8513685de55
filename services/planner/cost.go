// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"encoding/json"
	"sync"
)

// CostAccumulator tracks token and call counters for exactly one Turn.
//
// The accumulator is created at turn start and never shared across turns.
// Passing it explicitly through the call chain (rather than keeping global
// counters) guarantees no cost leaks across session boundaries.
//
// Thread Safety:
//
//	CostAccumulator is safe for concurrent use. Orchestrators may add
//	from helper goroutines even though phases themselves are sequential.
type CostAccumulator struct {
	mu sync.Mutex

	inputTokens    int
	outputTokens   int
	modelCalls     int
	capabilityCall int
	costUSD        float64
}

// NewCostAccumulator returns a zeroed accumulator.
func NewCostAccumulator() *CostAccumulator {
	return &CostAccumulator{}
}

// AddModelUsage records one model-provider call.
//
// Inputs:
//
//	inputTokens - Prompt tokens consumed.
//	outputTokens - Completion tokens produced.
//	costUSD - Provider-reported cost, zero if unknown.
func (c *CostAccumulator) AddModelUsage(inputTokens, outputTokens int, costUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputTokens += inputTokens
	c.outputTokens += outputTokens
	c.modelCalls++
	c.costUSD += costUSD
}

// AddCapabilityCall records one capability invocation.
func (c *CostAccumulator) AddCapabilityCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilityCall++
}

// Snapshot returns a point-in-time copy of the counters.
func (c *CostAccumulator) Snapshot() CostSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CostSnapshot{
		InputTokens:     c.inputTokens,
		OutputTokens:    c.outputTokens,
		ModelCalls:      c.modelCalls,
		CapabilityCalls: c.capabilityCall,
		CostUSD:         c.costUSD,
	}
}

// TotalTokens returns input plus output tokens.
func (c *CostAccumulator) TotalTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputTokens + c.outputTokens
}

// MarshalJSON serializes the accumulator as its snapshot.
func (c *CostAccumulator) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// UnmarshalJSON restores an accumulator from a snapshot.
func (c *CostAccumulator) UnmarshalJSON(data []byte) error {
	var s CostSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	c.mu.Lock()
	c.inputTokens = s.InputTokens
	c.outputTokens = s.OutputTokens
	c.modelCalls = s.ModelCalls
	c.capabilityCall = s.CapabilityCalls
	c.costUSD = s.CostUSD
	c.mu.Unlock()
	return nil
}

// CostSnapshot is an immutable copy of accumulator counters.
type CostSnapshot struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	ModelCalls      int     `json:"model_calls"`
	CapabilityCalls int     `json:"capability_calls"`
	CostUSD         float64 `json:"cost_usd"`
}

// TotalTokens returns input plus output tokens.
func (s CostSnapshot) TotalTokens() int {
	return s.InputTokens + s.OutputTokens
}
