// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checklist implements the durable, resumable record of every
// test case's lifecycle state.
//
// The checklist is the canonical copy of all TestCase state for a run.
// The execution engine holds at most a working copy during a single
// state transition and must commit it back before releasing the case.
//
// # Persistence Format
//
// One directory per run:
//
//	<state_dir>/<run_id>/checklist.json   - all TestCase records (diffable)
//	<state_dir>/<run_id>/records.jsonl    - append-only execution history
//
// checklist.json is rewritten atomically (temp file + rename) on every
// commit so a crash mid-write never produces torn state.
package checklist

import (
	"time"
)

// Status is the lifecycle state of a TestCase.
type Status string

const (
	// StatusPending means the case has been admitted but not started,
	// or is waiting on unresolved dependencies.
	StatusPending Status = "pending"

	// StatusGenerating means test code is being produced and written.
	StatusGenerating Status = "generating"

	// StatusVerifying means the case is executing in the sandbox.
	StatusVerifying Status = "verifying"

	// StatusPassed is terminal. A passed case is locked in and never
	// re-executed or re-patched within the same run.
	StatusPassed Status = "passed"

	// StatusFailed means the last verification attempt failed and the
	// case is awaiting diagnosis routing.
	StatusFailed Status = "failed"

	// StatusHealing means a patch is being selected and applied.
	StatusHealing Status = "healing"

	// StatusEscalated means automated healing is exhausted or unsafe
	// and a human verdict is required. Terminal for the engine; the
	// escalation controller may reopen it.
	StatusEscalated Status = "escalated"

	// StatusSkipped is terminal: excluded from pass/fail accounting by
	// human verdict or unsatisfiable dependencies.
	StatusSkipped Status = "skipped"

	// StatusFlaggedBug is terminal: the failure was confirmed as a
	// defect in the source under test, not in the test.
	StatusFlaggedBug Status = "flagged_bug"

	// StatusExpectedFailure is terminal: the case is recorded as
	// intentionally failing (verdict keep_as_expected_failure).
	StatusExpectedFailure Status = "expected_failure"

	// StatusFatal is terminal: an infrastructure error (store write
	// failure, lock timeout) aborted this case. Reported distinctly in
	// the run summary; the run continues with remaining cases.
	StatusFatal Status = "fatal"
)

// Terminal reports whether the status ends active scheduling for the
// engine. Escalated counts as terminal here; only the escalation
// controller can move a case out of it.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusSkipped, StatusFlaggedBug, StatusExpectedFailure, StatusEscalated, StatusFatal:
		return true
	default:
		return false
	}
}

// FailureRecord captures the structured outcome of a failed
// verification attempt.
type FailureRecord struct {
	// Message is the extracted failure message, bounded in size.
	Message string `json:"message"`

	// Category is the diagnosis category name, once classified.
	Category string `json:"category,omitempty"`

	// Scope is the diagnosis scope name, once classified.
	Scope string `json:"scope,omitempty"`

	// TimedOut marks a sandbox timeout (environment category).
	TimedOut bool `json:"timed_out,omitempty"`

	// At is when the failure was observed.
	At time.Time `json:"at"`
}

// TestCase is one unit of work in the checklist.
//
// Mutated only by the execution engine (status/retry/failure fields)
// and the patch engine (PatchesApplied). The checklist store owns the
// canonical copy.
type TestCase struct {
	// ID is the stable identifier, unique within a run.
	ID string `json:"id"`

	// Name is the test function name used by runner selectors.
	Name string `json:"name"`

	// File is the test file path, relative to the repository root.
	File string `json:"file"`

	// Language selects the sandbox runner and output parser.
	Language string `json:"language"`

	// Code is the generated test body. Empty until generation runs,
	// or pre-filled when the upstream planner already emitted code.
	Code string `json:"code,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Priority orders scheduling, descending. Ties break by Seq.
	Priority int `json:"priority"`

	// Seq is the insertion order, used for deterministic tie-breaks.
	Seq int `json:"seq"`

	// RetryCount is incremented per healing attempt and bounded by the
	// configured maximum. Exceeding the bound forces Escalated.
	RetryCount int `json:"retry_count"`

	// LastFailure is the most recent failure record, if any.
	LastFailure *FailureRecord `json:"last_failure,omitempty"`

	// PatchesApplied is the ordered, append-only audit trail of patch
	// IDs applied on behalf of this case.
	PatchesApplied []string `json:"patches_applied,omitempty"`

	// DependsOn lists case IDs that must reach Passed before this case
	// is scheduled.
	DependsOn []string `json:"depends_on,omitempty"`

	// EscalationReason records why the case was escalated.
	EscalationReason string `json:"escalation_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy, safe to mutate as a working copy during
// one state transition.
func (c *TestCase) Clone() *TestCase {
	out := *c
	if c.LastFailure != nil {
		lf := *c.LastFailure
		out.LastFailure = &lf
	}
	out.PatchesApplied = append([]string(nil), c.PatchesApplied...)
	out.DependsOn = append([]string(nil), c.DependsOn...)
	return &out
}

// ExecutionRecord is one append-only entry per verification attempt.
// Retained for audit while a case is active and beyond.
type ExecutionRecord struct {
	ID         string        `json:"id"`
	CaseID     string        `json:"case_id"`
	Attempt    int           `json:"attempt"`
	Passed     bool          `json:"passed"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}
