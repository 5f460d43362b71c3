// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/testheal/services/testheal/checklist"
)

// Batch is the operator-facing input: the candidate tests to verify.
type Batch struct {
	Cases []BatchCase `yaml:"cases"`
}

// BatchCase is one candidate test as written in the batch file.
type BatchCase struct {
	// ID is the case identifier. Default: the test name.
	ID string `yaml:"id"`

	// Name is the test function name.
	Name string `yaml:"name"`

	// File is the test file path, relative to the repository root.
	File string `yaml:"file"`

	// Language is python, go, javascript, or typescript.
	Language string `yaml:"language"`

	// Code is the test body to materialize. Empty means the test
	// already exists in the repository (or a generator drafts it).
	Code string `yaml:"code,omitempty"`

	// Priority orders scheduling, descending.
	Priority int `yaml:"priority,omitempty"`

	// DependsOn lists case IDs that must pass first.
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// loadBatch parses and validates a batch file.
func loadBatch(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing batch file: %w", err)
	}
	if len(b.Cases) == 0 {
		return nil, fmt.Errorf("batch file %s lists no cases", path)
	}

	ids := make(map[string]bool, len(b.Cases))
	for i := range b.Cases {
		c := &b.Cases[i]
		if c.Name == "" {
			return nil, fmt.Errorf("case %d: name is required", i)
		}
		if c.File == "" {
			return nil, fmt.Errorf("case %q: file is required", c.Name)
		}
		if c.Language == "" {
			return nil, fmt.Errorf("case %q: language is required", c.Name)
		}
		if c.ID == "" {
			c.ID = c.Name
		}
		if ids[c.ID] {
			return nil, fmt.Errorf("duplicate case ID %q", c.ID)
		}
		ids[c.ID] = true
	}
	for _, c := range b.Cases {
		for _, dep := range c.DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("case %q depends on unknown case %q", c.ID, dep)
			}
		}
	}
	return &b, nil
}

// register adds every batch case to the checklist store.
func (b *Batch) register(store *checklist.Store) error {
	for _, c := range b.Cases {
		tc := &checklist.TestCase{
			ID:        c.ID,
			Name:      c.Name,
			File:      c.File,
			Language:  c.Language,
			Code:      c.Code,
			Priority:  c.Priority,
			DependsOn: c.DependsOn,
		}
		if err := store.Add(tc); err != nil {
			return fmt.Errorf("registering case %s: %w", c.ID, err)
		}
	}
	return nil
}
