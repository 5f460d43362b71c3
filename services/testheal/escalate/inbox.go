// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package escalate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Inbox watches a directory for operator decision files.
//
// The operator resolves an escalation by dropping
// <decisions>/<case_id>.json containing a Resolution. The inbox
// applies each decision through the controller and emits the outcome.
// Malformed or non-applicable files are logged and left in place for
// the operator to correct.
type Inbox struct {
	controller *Controller
	dir        string
	watcher    *fsnotify.Watcher
	outcomes   chan *Outcome
}

// NewInbox creates and starts watching the decision directory under
// the controller's run directory.
func NewInbox(controller *Controller) (*Inbox, error) {
	dir := filepath.Join(controller.dir, "decisions")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create decisions directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch decisions directory: %w", err)
	}

	return &Inbox{
		controller: controller,
		dir:        dir,
		watcher:    watcher,
		outcomes:   make(chan *Outcome, 16),
	}, nil
}

// Outcomes delivers resolved escalations. Closed when Run returns.
func (in *Inbox) Outcomes() <-chan *Outcome {
	return in.outcomes
}

// Sweep synchronously applies every decision file already on disk and
// returns the outcomes. Used at resume time so pending decisions take
// effect before scheduling starts; Run performs the same sweep for
// decisions dropped between watcher setup and Run.
func (in *Inbox) Sweep(ctx context.Context) ([]*Outcome, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return nil, fmt.Errorf("read decisions directory: %w", err)
	}
	var outcomes []*Outcome
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if out, ok := in.resolveFile(ctx, filepath.Join(in.dir, e.Name())); ok {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes, nil
}

// Run processes decision files until ctx is cancelled.
//
// Description:
//
//	First sweeps decisions already on disk (written while no watcher
//	was running), then reacts to create/write events. Each valid
//	decision is resolved through the controller and its outcome sent
//	on the Outcomes channel.
func (in *Inbox) Run(ctx context.Context) error {
	defer close(in.outcomes)
	defer in.watcher.Close()

	// Decisions dropped before the watcher started.
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("read decisions directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			in.handleFile(ctx, filepath.Join(in.dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-in.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				in.handleFile(ctx, event.Name)
			}

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return nil
			}
			in.controller.logger.Warn("decision watcher error", "error", err)
		}
	}
}

// handleFile applies one decision file and emits its outcome.
func (in *Inbox) handleFile(ctx context.Context, path string) {
	outcome, ok := in.resolveFile(ctx, path)
	if !ok {
		return
	}
	select {
	case in.outcomes <- outcome:
	case <-ctx.Done():
	}
}

// resolveFile parses and applies one decision file. The file is
// removed on success and left in place for correction otherwise.
func (in *Inbox) resolveFile(ctx context.Context, path string) (*Outcome, bool) {
	if filepath.Ext(path) != ".json" {
		return nil, false
	}
	logger := in.controller.logger

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("cannot read decision file", "path", path, "error", err)
		return nil, false
	}
	var res Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		logger.Warn("malformed decision file", "path", path, "error", err)
		return nil, false
	}
	if res.CaseID == "" {
		res.CaseID = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	outcome, err := in.controller.Resolve(ctx, res.CaseID, res)
	if err != nil {
		logger.Warn("decision not applied",
			"path", path, "case_id", res.CaseID, "error", err)
		return nil, false
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not remove decision file", "path", path, "error", err)
	}
	return outcome, true
}
