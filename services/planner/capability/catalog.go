// Copyright (C) 2026 Uderia (hello@uderia.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rgeissen/uderia-sub006/services/planner"
)

// Catalog is an in-process index of the backend's capabilities.
//
// The catalog is loaded once per turn (or refreshed on demand) and then
// consulted by the plan validator, tactical planner, and orchestrators
// without further backend round trips.
//
// Thread Safety: Catalog is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]planner.CapabilityDescriptor
}

// NewCatalog builds a catalog from a descriptor list.
func NewCatalog(descriptors []planner.CapabilityDescriptor) *Catalog {
	c := &Catalog{byName: make(map[string]planner.CapabilityDescriptor, len(descriptors))}
	for _, d := range descriptors {
		c.byName[d.Name] = d
	}
	return c
}

// LoadCatalog lists capabilities from the backend and indexes them.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//	client - The capability execution client.
//
// Outputs:
//
//	*Catalog - The loaded catalog.
//	error - Non-nil if the backend listing fails.
func LoadCatalog(ctx context.Context, client Client) (*Catalog, error) {
	descriptors, err := client.ListCapabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	return NewCatalog(descriptors), nil
}

// Lookup returns the descriptor for a capability name.
func (c *Catalog) Lookup(name string) (planner.CapabilityDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byName[name]
	return d, ok
}

// KindOf returns the kind of the named capability.
func (c *Catalog) KindOf(name string) (planner.CapabilityKind, bool) {
	d, ok := c.Lookup(name)
	if !ok {
		return "", false
	}
	return d.Kind, true
}

// Names returns all capability names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns all descriptors in name order.
func (c *Catalog) Descriptors() []planner.CapabilityDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]planner.CapabilityDescriptor, 0, len(c.byName))
	for _, name := range c.namesLocked() {
		out = append(out, c.byName[name])
	}
	return out
}

func (c *Catalog) namesLocked() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindByScope returns the first capability carrying the given scope tag.
// Used by orchestrators to locate enumeration helpers.
func (c *Catalog) FindByScope(scope planner.ScopeTag) (planner.CapabilityDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range c.namesLocked() {
		if c.byName[name].Scope == scope {
			return c.byName[name], true
		}
	}
	return planner.CapabilityDescriptor{}, false
}

// RenderFull renders the catalog with full argument schemas for the first
// model call of a turn.
func (c *Catalog) RenderFull() string {
	var b strings.Builder
	for _, d := range c.Descriptors() {
		fmt.Fprintf(&b, "- %s (%s)", d.Name, d.Kind)
		if d.Description != "" {
			fmt.Fprintf(&b, ": %s", d.Description)
		}
		b.WriteString("\n")
		for _, a := range d.Arguments {
			req := "optional"
			if a.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s)", a.Name, a.Type, req)
			if a.Description != "" {
				fmt.Fprintf(&b, ": %s", a.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// RenderCondensed renders only capability names. Used after the first
// model call of a turn to avoid paying the schema cost repeatedly.
func (c *Catalog) RenderCondensed() string {
	return strings.Join(c.Names(), ", ")
}
