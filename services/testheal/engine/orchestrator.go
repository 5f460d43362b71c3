// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives test cases through their lifecycle.
//
// The orchestrator pulls eligible cases from the checklist store,
// executes them in a bounded worker pool, routes failures through
// diagnosis and patching, and escalates what it cannot heal. Every
// state transition is committed to the store before the next step
// starts, so a crash at any point leaves a resumable checklist.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/testheal/pkg/logging"
	"github.com/AleutianAI/testheal/services/testheal/checklist"
	"github.com/AleutianAI/testheal/services/testheal/diagnose"
	"github.com/AleutianAI/testheal/services/testheal/escalate"
	"github.com/AleutianAI/testheal/services/testheal/knowledge"
	"github.com/AleutianAI/testheal/services/testheal/patch"
	"github.com/AleutianAI/testheal/services/testheal/propose"
	"github.com/AleutianAI/testheal/services/testheal/sandbox"
)

// maxStoredFailure bounds the failure text kept on a TestCase.
const maxStoredFailure = 4000

// Recorder persists heal outcomes for cross-run priors.
type Recorder interface {
	Append(ctx context.Context, obs knowledge.Observation) error
}

// Config tunes the orchestrator.
type Config struct {
	// RepoPath is the repository root tests and patches operate on.
	RepoPath string

	// MaxRetries bounds healing attempts per case. Default: 3
	MaxRetries int

	// Workers bounds concurrent case processing. Default: 4
	Workers int
}

// Deps are the orchestrator's collaborators. Store, Runner,
// Classifier, Patches, and Escalator are required. Drafter,
// Generator, and Recorder are optional; without a Drafter the engine
// retries and escalates but never patches.
type Deps struct {
	Store      *checklist.Store
	Runner     sandbox.Runner
	Classifier *diagnose.Classifier
	Patches    *patch.Engine
	Escalator  *escalate.Controller
	Drafter    propose.Drafter
	Generator  propose.Generator
	Recorder   Recorder
	Logger     *logging.Logger
}

// Orchestrator is the per-run execution engine.
//
// # Thread Safety
//
// Run may only be called once at a time; QueueManualPatch is safe to
// call concurrently with Run.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *logging.Logger
	sem    *semaphore.Weighted

	mu     sync.Mutex
	manual map[string]*patch.Patch
	// dead holds cases whose fatal status could not be committed; they
	// are excluded from scheduling for the rest of the run so a broken
	// store does not spin them forever.
	dead map[string]bool
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Runner == nil || deps.Classifier == nil ||
		deps.Patches == nil || deps.Escalator == nil {
		return nil, errors.New("store, runner, classifier, patches, and escalator are required")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		manual: make(map[string]*patch.Patch),
		dead:   make(map[string]bool),
	}, nil
}

// QueueManualPatch stages an operator-supplied patch for a case that
// re-entered Healing through a fix verdict. Applied on the case's
// next healing step without consuming a retry.
func (o *Orchestrator) QueueManualPatch(caseID string, p *patch.Patch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.manual[caseID] = p
}

func (o *Orchestrator) takeManual(caseID string) *patch.Patch {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.manual[caseID]
	delete(o.manual, caseID)
	return p
}

// Run processes every eligible case to a terminal or escalated state.
//
// Description:
//
//	Repeats scheduling passes until no case can advance. Each pass
//	selects cases whose dependencies are all Passed, orders them by
//	priority descending with insertion order breaking ties, and
//	dispatches them to the worker pool. A case whose dependency ended
//	in a non-Passed terminal state is skipped, since it can never
//	become eligible. Escalated cases stay parked; resolving them
//	(CLI or decision inbox) and running again picks them back up.
//
// Outputs:
//
//	[]*checklist.TestCase - Final state of every case, in insertion
//	order.
//	error - Non-nil on run-level failure (store unavailable, context
//	cancelled). Per-case failures never abort the run.
func (o *Orchestrator) Run(ctx context.Context) ([]*checklist.TestCase, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cases, err := o.deps.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("load checklist: %w", err)
		}

		eligible, blocked := o.partition(cases)
		if len(eligible) == 0 {
			if !o.skipUnsatisfiable(blocked, cases) {
				break
			}
			continue
		}

		var wg sync.WaitGroup
		for _, c := range eligible {
			if err := o.sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return nil, err
			}
			wg.Add(1)
			go func(c *checklist.TestCase) {
				defer o.sem.Release(1)
				defer wg.Done()
				o.processCase(ctx, c)
			}(c)
		}
		wg.Wait()
	}

	return o.deps.Store.Load()
}

// partition splits active cases into schedulable and dep-blocked.
func (o *Orchestrator) partition(cases []*checklist.TestCase) (eligible, blocked []*checklist.TestCase) {
	byID := make(map[string]*checklist.TestCase, len(cases))
	for _, c := range cases {
		byID[c.ID] = c
	}

	for _, c := range cases {
		if c.Status.Terminal() || c.Status == checklist.StatusEscalated || o.isDead(c.ID) {
			continue
		}
		if c.Status == checklist.StatusPending && !depsPassed(c, byID) {
			blocked = append(blocked, c)
			continue
		}
		eligible = append(eligible, c)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].Seq < eligible[j].Seq
	})
	return eligible, blocked
}

func depsPassed(c *checklist.TestCase, byID map[string]*checklist.TestCase) bool {
	for _, id := range c.DependsOn {
		dep, ok := byID[id]
		if !ok || dep.Status != checklist.StatusPassed {
			return false
		}
	}
	return true
}

// skipUnsatisfiable retires blocked cases whose dependencies can
// never pass. Returns true when it changed anything, meaning another
// scheduling pass is worthwhile.
func (o *Orchestrator) skipUnsatisfiable(blocked, all []*checklist.TestCase) bool {
	byID := make(map[string]*checklist.TestCase, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}

	progressed := false
	for _, c := range blocked {
		for _, id := range c.DependsOn {
			dep, ok := byID[id]
			// An escalated dependency may still pass once a human
			// resolves it, so its dependents stay parked rather than
			// skipped.
			if ok && (!dep.Status.Terminal() ||
				dep.Status == checklist.StatusPassed ||
				dep.Status == checklist.StatusEscalated) {
				continue
			}
			reason := fmt.Sprintf("dependency %s is unsatisfiable", id)
			if ok {
				reason = fmt.Sprintf("dependency %s ended %s", id, dep.Status)
			}
			c.Status = checklist.StatusSkipped
			c.EscalationReason = reason
			if err := o.deps.Store.Save(c); err != nil {
				o.logger.Error("cannot skip dep-blocked case", "case_id", c.ID, "error", err)
				continue
			}
			o.logger.Warn("case skipped", "case_id", c.ID, "reason", reason)
			progressed = true
			break
		}
	}
	return progressed
}

// commit persists the working copy. A store failure is fatal for the
// case only; the run continues.
func (o *Orchestrator) commit(c *checklist.TestCase) error {
	if err := o.deps.Store.Save(c); err != nil {
		return fmt.Errorf("commit %s: %w", c.ID, err)
	}
	return nil
}

// fatal retires a case after an infrastructure failure.
func (o *Orchestrator) fatal(c *checklist.TestCase, err error) {
	o.logger.Error("case failed fatally", "case_id", c.ID, "error", err)
	c.Status = checklist.StatusFatal
	c.EscalationReason = err.Error()
	if saveErr := o.deps.Store.Save(c); saveErr != nil {
		o.logger.Error("cannot commit fatal status", "case_id", c.ID, "error", saveErr)
		o.mu.Lock()
		o.dead[c.ID] = true
		o.mu.Unlock()
	}
}

func (o *Orchestrator) isDead(caseID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dead[caseID]
}

// readTargetFile returns the case's test file content, empty when the
// file does not exist yet.
func (o *Orchestrator) readTargetFile(c *checklist.TestCase) string {
	data, err := os.ReadFile(filepath.Join(o.cfg.RepoPath, filepath.FromSlash(c.File)))
	if err != nil {
		return ""
	}
	return string(data)
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
