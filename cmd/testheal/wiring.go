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

	"github.com/AleutianAI/testheal/pkg/logging"
	"github.com/AleutianAI/testheal/services/testheal/checklist"
	"github.com/AleutianAI/testheal/services/testheal/config"
	"github.com/AleutianAI/testheal/services/testheal/diagnose"
	"github.com/AleutianAI/testheal/services/testheal/engine"
	"github.com/AleutianAI/testheal/services/testheal/escalate"
	"github.com/AleutianAI/testheal/services/testheal/knowledge"
	"github.com/AleutianAI/testheal/services/testheal/patch"
	"github.com/AleutianAI/testheal/services/testheal/propose"
	"github.com/AleutianAI/testheal/services/testheal/sandbox"
)

// harness holds one run's wired components and their teardown.
type harness struct {
	cfg       config.Config
	logger    *logging.Logger
	store     *checklist.Store
	kb        *knowledge.Store
	escalator *escalate.Controller
	orch      *engine.Orchestrator
}

// buildHarness opens the checklist for runID and wires every
// collaborator from the configuration. The caller owns Close.
func buildHarness(cfg config.Config, runID string) (*harness, error) {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "testheal",
		JSON:    cfg.Log.JSON,
	})

	store, err := checklist.Open(cfg.StateDir, runID)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("opening checklist: %w", err)
	}

	h := &harness{cfg: cfg, logger: logger, store: store}

	if cfg.Knowledge.Enabled {
		kbCfg := knowledge.DefaultConfig(cfg.Knowledge.Path)
		kbCfg.Logger = logger.Slog()
		kb, err := knowledge.Open(kbCfg)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("opening knowledge base: %w", err)
		}
		h.kb = kb
	}

	var analyzer diagnose.Analyzer
	var drafter propose.Drafter
	var generator propose.Generator
	if cfg.Model.Enabled {
		client, err := propose.NewClient(propose.ClientConfig{
			Model:       cfg.Model.Model,
			BaseURL:     cfg.Model.BaseURL,
			Temperature: cfg.Model.Temperature,
		}, logger)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("model collaborator: %w", err)
		}
		analyzer = propose.NewSemanticAnalyzer(client)
		drafter = propose.NewPatchDrafter(client)
		generator = propose.NewTestGenerator(client)
	}

	var priors diagnose.PriorSource
	if h.kb != nil {
		priors = h.kb
	}
	classifier := diagnose.New(diagnose.Config{
		ConfidenceFloor: cfg.ConfidenceFloor,
	}, analyzer, priors, logger)

	patches := patch.NewEngine(patch.Config{
		Root:        cfg.RepoPath,
		Scope:       patch.LockScope(cfg.Patch.LockScope),
		LockTimeout: cfg.Patch.LockTimeout(),
		Fuzz:        cfg.Patch.Fuzz,
	}, logger)

	runner := sandbox.NewLocalRunner(sandbox.LocalConfig{
		RepoPath: cfg.RepoPath,
		Timeout:  cfg.Sandbox.Timeout(),
	}, logger)

	escalator, err := escalate.NewController(store, store.Dir(), logger)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("escalation controller: %w", err)
	}
	h.escalator = escalator

	deps := engine.Deps{
		Store:      store,
		Runner:     runner,
		Classifier: classifier,
		Patches:    patches,
		Escalator:  escalator,
		Drafter:    drafter,
		Generator:  generator,
		Logger:     logger,
	}
	if h.kb != nil {
		deps.Recorder = h.kb
	}
	orch, err := engine.New(engine.Config{
		RepoPath:   cfg.RepoPath,
		MaxRetries: cfg.MaxRetries,
		Workers:    cfg.Workers,
	}, deps)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.orch = orch
	return h, nil
}

// Close releases the harness's stores and log sinks.
func (h *harness) Close() {
	if h.kb != nil {
		if err := h.kb.Close(); err != nil {
			h.logger.Warn("closing knowledge base", "error", err)
		}
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			h.logger.Warn("closing checklist", "error", err)
		}
	}
	h.logger.Close()
}
