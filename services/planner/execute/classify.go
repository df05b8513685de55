// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package execute

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/rgeissen/uderia-sub006/services/planner/capability"
)

// Class is the outcome of classifying a capability failure.
type Class string

const (
	// ClassRecoverable means a targeted correction is worth attempting.
	ClassRecoverable Class = "recoverable"
	// ClassUnrecoverable means no rephrasing of arguments can succeed.
	ClassUnrecoverable Class = "unrecoverable"
	// ClassUnknown means the failure matched no known pattern. Unknown
	// failures get exactly one generic retry before being treated as
	// unrecoverable.
	ClassUnknown Class = "unknown"
)

// patternRule is one row of the classification table.
type patternRule struct {
	Pattern string `json:"pattern"`
	Class   Class  `json:"class"`
	Hint    string `json:"hint,omitempty"`

	re *regexp.Regexp
}

// Classification describes a classified failure.
type Classification struct {
	Class Class
	// Hint is an optional correction hint surfaced to the model, e.g.
	// "the named table may be misspelled".
	Hint string
}

// Classifier maps capability failures to a correction strategy.
//
// Structured capability errors classify by code; free-text errors run
// through a pattern table that can be overridden from a JSON file and
// hot-reloaded on change.
//
// Thread Safety: Classifier is safe for concurrent use.
type Classifier struct {
	mu      sync.RWMutex
	rules   []patternRule
	watcher *fsnotify.Watcher
}

// defaultRules covers the failure shapes seen most often in the wild.
// A user-supplied table replaces these wholesale.
var defaultRules = []patternRule{
	{Pattern: `(?i)doesn'?t exist|does not exist|not found|no such`, Class: ClassRecoverable, Hint: "the referenced name may be misspelled; check for a close match"},
	{Pattern: `(?i)unknown (column|table|field|argument)`, Class: ClassRecoverable, Hint: "the referenced name may be misspelled; check for a close match"},
	{Pattern: `(?i)missing required|is required`, Class: ClassRecoverable, Hint: "supply the missing argument"},
	{Pattern: `(?i)invalid (date|format|value|type)`, Class: ClassRecoverable, Hint: "reformat the argument"},
	{Pattern: `(?i)ambiguous`, Class: ClassRecoverable, Hint: "qualify the reference to make it unambiguous"},
	{Pattern: `(?i)permission denied|unauthorized|forbidden`, Class: ClassUnrecoverable},
	{Pattern: `(?i)quota exceeded|rate limit`, Class: ClassUnrecoverable},
	{Pattern: `(?i)timed out|deadline exceeded`, Class: ClassRecoverable, Hint: timeoutHint},
	{Pattern: `(?i)connection refused|connection reset|no route to host`, Class: ClassUnrecoverable},
}

const timeoutHint = "the call timed out; narrow its scope (fewer rows, a tighter filter, a shorter range) and retry"

// NewClassifier creates a classifier with the built-in pattern table.
func NewClassifier() *Classifier {
	c := &Classifier{}
	c.setRules(defaultRules)
	return c
}

// NewClassifierFromFile creates a classifier whose pattern table is
// loaded from a JSON file and reloaded whenever the file changes. The
// built-in table stays active if the file cannot be read.
func NewClassifierFromFile(path string) (*Classifier, error) {
	c := NewClassifier()
	if err := c.loadFile(path); err != nil {
		slog.Warn("Using built-in failure patterns",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	c.watcher = watcher
	go c.watch(path)
	return c, nil
}

// Close stops the file watcher when one is active.
func (c *Classifier) Close() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Close()
}

// Classify determines how a phase failure should be handled.
//
// Inputs:
//
//	err - The failure returned by a capability invocation.
//
// Outputs:
//
//	Classification - The class plus an optional correction hint.
func (c *Classifier) Classify(err error) Classification {
	var capErr *capability.Error
	if errors.As(err, &capErr) {
		switch capErr.Code {
		case capability.CodeSchemaMismatch, capability.CodeNotFound, capability.CodeAmbiguousScope:
			return Classification{Class: ClassRecoverable, Hint: c.hintFor(capErr.Message)}
		case capability.CodeTimeout:
			// A capability-call timeout is correctable: a narrower call
			// can complete where the original did not.
			return Classification{Class: ClassRecoverable, Hint: timeoutHint}
		case capability.CodePermissionDenied, capability.CodeConnectivity:
			return Classification{Class: ClassUnrecoverable}
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	msg := err.Error()
	for _, rule := range c.rules {
		if rule.re.MatchString(msg) {
			return Classification{Class: rule.Class, Hint: rule.Hint}
		}
	}
	return Classification{Class: ClassUnknown}
}

// hintFor finds a pattern hint for an already-classified message.
func (c *Classifier) hintFor(msg string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rule := range c.rules {
		if rule.Hint != "" && rule.re.MatchString(msg) {
			return rule.Hint
		}
	}
	return ""
}

func (c *Classifier) setRules(rules []patternRule) {
	compiled := make([]patternRule, 0, len(rules))
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			slog.Warn("Skipping invalid failure pattern",
				slog.String("pattern", rule.Pattern),
				slog.String("error", err.Error()),
			)
			continue
		}
		rule.re = re
		compiled = append(compiled, rule)
	}
	c.mu.Lock()
	c.rules = compiled
	c.mu.Unlock()
}

func (c *Classifier) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rules []patternRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return err
	}
	if len(rules) == 0 {
		return errors.New("pattern table is empty")
	}
	c.setRules(rules)
	slog.Info("Loaded failure pattern table",
		slog.String("path", path),
		slog.Int("rules", len(rules)),
	)
	return nil
}

func (c *Classifier) watch(path string) {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := c.loadFile(path); err != nil {
					slog.Warn("Pattern table reload failed",
						slog.String("path", path),
						slog.String("error", err.Error()),
					)
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Pattern table watcher error", slog.String("error", err.Error()))
		}
	}
}
