// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the model-provider client contract used by the
// planner, plus concrete OpenAI and Anthropic implementations and a mock
// for tests.
//
// Thread Safety:
//
//	All clients in this package are safe for concurrent use and are
//	shared across concurrent turns.
package llm

import (
	"context"
	"fmt"
)

// Message is one conversation message.
type Message struct {
	// Role is "user", "assistant", or "system".
	Role string `json:"role"`

	// Content is the text content.
	Content string `json:"content"`
}

// CapabilitySchema is a provider-neutral function/tool schema passed with
// a request so the model can reference available capabilities.
type CapabilitySchema struct {
	// Name is the capability name.
	Name string `json:"name"`

	// Description is the capability description.
	Description string `json:"description,omitempty"`

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Request is a completion request.
type Request struct {
	// SystemPrompt is the system message.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages is the conversation history.
	Messages []Message `json:"messages"`

	// Capabilities are the schemas the model may reference.
	Capabilities []CapabilitySchema `json:"capabilities,omitempty"`

	// MaxTokens limits the response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`
}

// Response is a completion response with usage accounting.
type Response struct {
	// Text is the model's text output.
	Text string `json:"text"`

	// InputTokens is the prompt token count.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the completion token count.
	OutputTokens int `json:"output_tokens"`

	// CostUSD is the provider-reported cost, zero if unknown.
	CostUSD float64 `json:"cost_usd"`
}

// Client is the contract every model provider implements.
type Client interface {
	// Invoke sends a completion request.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout.
	//   request - The completion request.
	//
	// Outputs:
	//   *Response - The model response with usage accounting.
	//   error - *ProviderError on transport or auth failure.
	Invoke(ctx context.Context, request *Request) (*Response, error)

	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string

	// Model returns the model identifier in use.
	Model() string
}

// ProviderError indicates a transport or authentication failure talking to
// a model provider. Provider errors are unrecoverable at the phase level
// beyond a small retry budget.
type ProviderError struct {
	// Provider is the provider name.
	Provider string

	// StatusCode is the HTTP status, zero for transport failures.
	StatusCode int

	// Message describes the failure.
	Message string

	// Err is the underlying error, if any.
	Err error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s provider error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
