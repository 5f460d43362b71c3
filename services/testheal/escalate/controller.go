// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package escalate surfaces stuck cases to a human decision point.
//
// The controller never auto-resolves. Escalating a case writes a
// request file for the operator and parks the case; the rest of the
// run keeps going. Decisions arrive either through Resolve (driven by
// the CLI) or as files dropped into the decision inbox, watched with
// fsnotify.
package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/testheal/pkg/logging"
	"github.com/AleutianAI/testheal/services/testheal/checklist"
	"github.com/AleutianAI/testheal/services/testheal/patch"
)

// Verdict is a human decision on an escalated case.
type Verdict string

const (
	// VerdictFix re-enters healing, optionally with a manual patch.
	// Does not consume a retry.
	VerdictFix Verdict = "fix"

	// VerdictFlagBug records the source under test as defective.
	// Terminal.
	VerdictFlagBug Verdict = "flag_bug"

	// VerdictSkip drops the case from pass/fail accounting. Terminal.
	VerdictSkip Verdict = "skip"

	// VerdictKeepExpectedFailure records the case as
	// intentionally-failing. Terminal.
	VerdictKeepExpectedFailure Verdict = "keep_as_expected_failure"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictFix, VerdictFlagBug, VerdictSkip, VerdictKeepExpectedFailure:
		return true
	}
	return false
}

// Resolution carries one human decision.
type Resolution struct {
	CaseID  string       `json:"case_id"`
	Verdict Verdict      `json:"verdict"`
	Note    string       `json:"note,omitempty"`
	Manual  *patch.Patch `json:"manual_patch,omitempty"`
}

// Request is the escalation record written for the operator.
type Request struct {
	CaseID      string                   `json:"case_id"`
	TestName    string                   `json:"test_name"`
	File        string                   `json:"file"`
	Reason      string                   `json:"reason"`
	RetryCount  int                      `json:"retry_count"`
	LastFailure *checklist.FailureRecord `json:"last_failure,omitempty"`
	Patches     []string                 `json:"patches_applied,omitempty"`
	EscalatedAt time.Time                `json:"escalated_at"`
}

// Outcome is the result of resolving one escalation.
type Outcome struct {
	Case *checklist.TestCase

	// Manual is the operator-supplied patch for a fix verdict, nil
	// otherwise. The engine validates and applies it like any drafted
	// patch.
	Manual *patch.Patch
}

var (
	ErrNotEscalated   = errors.New("case is not escalated")
	ErrUnknownVerdict = errors.New("unknown verdict")
)

// Controller parks escalated cases and applies human verdicts.
//
// # Thread Safety
//
// Safe for concurrent use; all case mutation goes through the
// checklist store's own locking.
type Controller struct {
	store  *checklist.Store
	dir    string
	logger *logging.Logger
}

// NewController creates a controller writing escalation requests
// under dir (the run's state directory).
func NewController(store *checklist.Store, dir string, logger *logging.Logger) (*Controller, error) {
	reqDir := filepath.Join(dir, "escalations")
	if err := os.MkdirAll(reqDir, 0750); err != nil {
		return nil, fmt.Errorf("create escalations directory: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{store: store, dir: dir, logger: logger}, nil
}

// Escalate parks a case pending a human decision.
//
// Description:
//
//	Commits the Escalated status to the checklist store, then writes
//	a request file the operator can inspect. Other cases keep
//	executing; only this one blocks.
func (c *Controller) Escalate(ctx context.Context, tc *checklist.TestCase, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tc.Status = checklist.StatusEscalated
	tc.EscalationReason = reason
	if err := c.store.Save(tc); err != nil {
		return fmt.Errorf("commit escalation for %s: %w", tc.ID, err)
	}

	req := Request{
		CaseID:      tc.ID,
		TestName:    tc.Name,
		File:        tc.File,
		Reason:      reason,
		RetryCount:  tc.RetryCount,
		LastFailure: tc.LastFailure,
		Patches:     tc.PatchesApplied,
		EscalatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal escalation request: %w", err)
	}
	path := c.requestPath(tc.ID)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write escalation request: %w", err)
	}

	c.logger.Warn("case escalated",
		"case_id", tc.ID, "test", tc.Name, "reason", reason, "request", path)
	return nil
}

// Resolve applies a human verdict to an escalated case.
//
// Description:
//
//	Validates the verdict, transitions the case per the verdict, and
//	commits it. A fix verdict re-enters Healing without consuming a
//	retry; the other three verdicts are terminal. The request file is
//	removed once the decision is committed.
//
// Outputs:
//
//	*Outcome - The updated case plus any manual patch to apply.
//	error - ErrNotEscalated, ErrUnknownVerdict, or a store failure.
func (c *Controller) Resolve(ctx context.Context, caseID string, res Resolution) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !res.Verdict.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerdict, res.Verdict)
	}

	tc, err := c.store.Get(caseID)
	if err != nil {
		return nil, err
	}
	if tc.Status != checklist.StatusEscalated {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotEscalated, caseID, tc.Status)
	}

	out := &Outcome{Case: tc}
	switch res.Verdict {
	case VerdictFix:
		tc.Status = checklist.StatusHealing
		out.Manual = res.Manual
	case VerdictFlagBug:
		tc.Status = checklist.StatusFlaggedBug
	case VerdictSkip:
		tc.Status = checklist.StatusSkipped
	case VerdictKeepExpectedFailure:
		tc.Status = checklist.StatusExpectedFailure
	}
	if res.Note != "" {
		tc.EscalationReason = fmt.Sprintf("%s | operator: %s", tc.EscalationReason, res.Note)
	}

	if err := c.store.Save(tc); err != nil {
		return nil, fmt.Errorf("commit verdict for %s: %w", caseID, err)
	}
	if err := os.Remove(c.requestPath(caseID)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("could not remove escalation request", "case_id", caseID, "error", err)
	}

	c.logger.Info("escalation resolved",
		"case_id", caseID, "verdict", res.Verdict, "status", tc.Status)
	return out, nil
}

// Pending lists escalation requests that still await a decision.
func (c *Controller) Pending() ([]Request, error) {
	entries, err := os.ReadDir(filepath.Join(c.dir, "escalations"))
	if err != nil {
		return nil, fmt.Errorf("read escalations directory: %w", err)
	}
	var out []Request
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, "escalations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read escalation request %s: %w", e.Name(), err)
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Warn("skipping malformed escalation request", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (c *Controller) requestPath(caseID string) string {
	return filepath.Join(c.dir, "escalations", caseID+".json")
}
