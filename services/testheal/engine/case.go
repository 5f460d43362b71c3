// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/testheal/services/testheal/checklist"
	"github.com/AleutianAI/testheal/services/testheal/diagnose"
	"github.com/AleutianAI/testheal/services/testheal/knowledge"
	"github.com/AleutianAI/testheal/services/testheal/patch"
	"github.com/AleutianAI/testheal/services/testheal/propose"
	"github.com/AleutianAI/testheal/services/testheal/sandbox"
)

// caseRun is the in-flight working state for one case. It lives only
// for the duration of one processCase call; everything durable is on
// the TestCase itself.
type caseRun struct {
	c *checklist.TestCase

	// diag is the live diagnosis carried from triage into healing.
	// Nil after a process restart; healing re-classifies from the
	// committed failure record.
	diag *diagnose.Diagnosis

	// pending is the heal observation awaiting its verification
	// outcome.
	pending *knowledge.Observation
}

// processCase drives one case until it is terminal, escalated, or the
// context is cancelled. Transitions within a case are strictly
// sequential; every transition commits before the next step starts.
func (o *Orchestrator) processCase(ctx context.Context, c *checklist.TestCase) {
	run := &caseRun{c: c}
	for {
		if ctx.Err() != nil {
			return
		}
		switch c.Status {
		case checklist.StatusPending:
			c.Status = checklist.StatusGenerating
			if err := o.commit(c); err != nil {
				o.fatal(c, err)
				return
			}

		case checklist.StatusGenerating:
			if err := o.generate(ctx, c); err != nil {
				o.fatal(c, err)
				return
			}
			c.Status = checklist.StatusVerifying
			if err := o.commit(c); err != nil {
				o.fatal(c, err)
				return
			}

		case checklist.StatusVerifying:
			if !o.verify(ctx, run) {
				return
			}

		case checklist.StatusFailed:
			if !o.triage(ctx, run) {
				return
			}

		case checklist.StatusHealing:
			if !o.heal(ctx, run) {
				return
			}

		default:
			// Terminal or escalated: nothing more to do here.
			return
		}
	}
}

// generate materializes the case's test code in the repository.
//
// Cases submitted without code go through the drafting collaborator
// first. The write runs through the patch engine so it shares the
// same per-file locking and root confinement as healing patches.
func (o *Orchestrator) generate(ctx context.Context, c *checklist.TestCase) error {
	if c.Code == "" && o.deps.Generator != nil {
		code, err := o.deps.Generator.Generate(ctx, propose.GenerateRequest{
			CaseID:   c.ID,
			TestName: c.Name,
			File:     c.File,
			Language: c.Language,
		})
		if err != nil {
			return fmt.Errorf("generate test code: %w", err)
		}
		c.Code = code
	}
	if c.Code == "" {
		// Test already lives in the repository.
		if o.readTargetFile(c) == "" {
			return fmt.Errorf("no test code for %s and %s is missing", c.ID, c.File)
		}
		return nil
	}
	if o.readTargetFile(c) == c.Code {
		// Resumed after a crash between write and commit.
		return nil
	}
	_, err := o.deps.Patches.Apply(ctx, &patch.Patch{
		CaseID:     c.ID,
		Kind:       patch.KindFullRewrite,
		TargetFile: c.File,
		Content:    c.Code,
	})
	if err != nil {
		return fmt.Errorf("write test file %s: %w", c.File, err)
	}
	return nil
}

// verify runs the case in the sandbox and commits the outcome.
// Returns false when the case reached a state processCase must not
// advance past (terminal, fatal, or cancellation).
func (o *Orchestrator) verify(ctx context.Context, run *caseRun) bool {
	c := run.c
	res, err := o.deps.Runner.Run(ctx, sandbox.Selector{
		Language: c.Language,
		File:     c.File,
		TestName: c.Name,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		o.fatal(c, fmt.Errorf("sandbox: %w", err))
		return false
	}

	rec := checklist.ExecutionRecord{
		CaseID:   c.ID,
		Attempt:  c.RetryCount,
		Passed:   res.Passed,
		TimedOut: res.TimedOut,
		Duration: res.Duration,
		Stdout:   truncateText(res.Stdout, maxStoredFailure),
		Stderr:   truncateText(res.Stderr, maxStoredFailure),
	}
	if err := o.deps.Store.AppendExecutionRecord(c.ID, rec); err != nil {
		o.fatal(c, err)
		return false
	}

	o.recordHealOutcome(ctx, run, res.Passed)

	if res.Passed {
		c.Status = checklist.StatusPassed
		if err := o.commit(c); err != nil {
			o.fatal(c, err)
		}
		o.logger.Info("case passed", "case_id", c.ID, "test", c.Name, "retries", c.RetryCount)
		return false
	}

	c.LastFailure = &checklist.FailureRecord{
		Message:  truncateText(res.FailureText(), maxStoredFailure),
		TimedOut: res.TimedOut,
		At:       time.Now().UTC(),
	}
	c.Status = checklist.StatusFailed
	if err := o.commit(c); err != nil {
		o.fatal(c, err)
		return false
	}
	return true
}

// recordHealOutcome closes the loop on a pending heal observation.
func (o *Orchestrator) recordHealOutcome(ctx context.Context, run *caseRun, healed bool) {
	if run.pending == nil {
		return
	}
	obs := *run.pending
	run.pending = nil
	if o.deps.Recorder == nil {
		return
	}
	obs.Healed = healed
	if err := o.deps.Recorder.Append(ctx, obs); err != nil {
		o.logger.Warn("cannot record heal outcome", "case_id", run.c.ID, "error", err)
	}
}

// triage decides between healing and escalation for a failed case.
// Returns false when the case escalated or went fatal.
func (o *Orchestrator) triage(ctx context.Context, run *caseRun) bool {
	c := run.c
	d := o.deps.Classifier.Classify(ctx, c.LastFailure.Message, diagnose.TestMeta{
		CaseID:      c.ID,
		TestName:    c.Name,
		File:        c.File,
		Language:    c.Language,
		FileContent: o.readTargetFile(c),
		TimedOut:    c.LastFailure.TimedOut,
	})
	run.diag = &d
	c.LastFailure.Category = string(d.Category)
	c.LastFailure.Scope = string(d.Scope)

	// The capped attempt is classified first so the committed failure
	// record carries a category and scope.
	if c.RetryCount >= o.cfg.MaxRetries {
		o.escalateCase(ctx, c, fmt.Sprintf("retry cap reached (%d attempts)", c.RetryCount))
		return false
	}

	if !d.RetryOnly() && !o.deps.Classifier.Confident(d) {
		o.escalateCase(ctx, c, fmt.Sprintf(
			"diagnosis low confidence (%.2f for %s)", d.Confidence, d.Category))
		return false
	}

	c.Status = checklist.StatusHealing
	if err := o.commit(c); err != nil {
		o.fatal(c, err)
		return false
	}
	return true
}

// heal applies a fix and hands the case back to verification.
// Returns false when the case escalated or went fatal.
func (o *Orchestrator) heal(ctx context.Context, run *caseRun) bool {
	c := run.c

	// Operator-supplied patch from a fix verdict. Does not consume a
	// retry; the human gets a free attempt.
	if manual := o.takeManual(c.ID); manual != nil {
		manual.CaseID = c.ID
		applied, err := o.deps.Patches.Apply(ctx, manual)
		if err != nil {
			o.escalateCase(ctx, c, fmt.Sprintf("manual patch rejected: %v", err))
			return false
		}
		c.PatchesApplied = append(c.PatchesApplied, applied.Patch.ID)
		c.Status = checklist.StatusVerifying
		if err := o.commit(c); err != nil {
			o.fatal(c, err)
			return false
		}
		return true
	}

	d := run.diag
	if d == nil {
		// Resumed mid-heal; rebuild the diagnosis from the committed
		// failure record.
		if c.LastFailure == nil {
			o.escalateCase(ctx, c, "healing state without a failure record")
			return false
		}
		fresh := o.deps.Classifier.Classify(ctx, c.LastFailure.Message, diagnose.TestMeta{
			CaseID:      c.ID,
			TestName:    c.Name,
			File:        c.File,
			Language:    c.Language,
			FileContent: o.readTargetFile(c),
			TimedOut:    c.LastFailure.TimedOut,
		})
		d = &fresh
		run.diag = d
	}

	// Environment failures are retried, never patched.
	if d.RetryOnly() {
		c.RetryCount++
		c.Status = checklist.StatusVerifying
		if err := o.commit(c); err != nil {
			o.fatal(c, err)
			return false
		}
		return true
	}

	if o.deps.Drafter == nil {
		o.escalateCase(ctx, c, "no patch drafter configured")
		return false
	}

	applied, kind, ok := o.draftAndApply(ctx, run, d)
	if !ok {
		return false
	}

	c.PatchesApplied = append(c.PatchesApplied, applied.Patch.ID)
	c.RetryCount++
	c.Status = checklist.StatusVerifying
	if err := o.commit(c); err != nil {
		o.fatal(c, err)
		return false
	}

	run.pending = &knowledge.Observation{
		CaseID:    c.ID,
		Category:  d.Category,
		Signature: d.Signature,
		PatchKind: string(kind),
	}
	o.logger.Info("patch applied",
		"case_id", c.ID, "patch_id", applied.Patch.ID, "kind", kind, "attempt", c.RetryCount)
	return true
}

// draftAndApply walks patch kinds from least to most invasive until
// one validates and applies. A validation failure escalates the kind;
// running out of kinds escalates the case.
func (o *Orchestrator) draftAndApply(ctx context.Context, run *caseRun, d *diagnose.Diagnosis) (*patch.AppliedPatch, patch.Kind, bool) {
	c := run.c
	kind := d.RecommendedKind
	if kind == "" {
		kind = patch.KindFullRewrite
	}

	for {
		p, err := o.deps.Drafter.Draft(ctx, propose.DraftRequest{
			CaseID:      c.ID,
			TestName:    c.Name,
			File:        c.File,
			Language:    c.Language,
			FileContent: o.readTargetFile(c),
			Diagnosis:   *d,
			Kind:        kind,
		})
		if err != nil {
			o.escalateCase(ctx, c, fmt.Sprintf("patch drafting failed: %v", err))
			return nil, "", false
		}
		if p.Confidence > 0 && p.Confidence < o.deps.Classifier.ConfidenceFloor() {
			o.logger.Debug("draft below confidence floor",
				"case_id", c.ID, "kind", kind, "confidence", p.Confidence)
			if next, ok := kind.Escalate(); ok {
				kind = next
				continue
			}
			o.escalateCase(ctx, c, "no viable patch: drafts below confidence floor")
			return nil, "", false
		}

		applied, err := o.deps.Patches.Apply(ctx, p)
		if err == nil {
			return applied, kind, true
		}
		if code, isValidation := patch.IsValidationError(err); isValidation {
			o.logger.Debug("draft failed validation",
				"case_id", c.ID, "kind", kind, "code", code)
			if next, ok := kind.Escalate(); ok {
				kind = next
				continue
			}
			o.escalateCase(ctx, c, fmt.Sprintf("no viable patch: %s at full rewrite", code))
			return nil, "", false
		}
		// Lock timeout or I/O failure: fatal for this case only.
		o.fatal(c, err)
		return nil, "", false
	}
}

// escalateCase parks the case for a human decision.
func (o *Orchestrator) escalateCase(ctx context.Context, c *checklist.TestCase, reason string) {
	if err := o.deps.Escalator.Escalate(ctx, c, reason); err != nil {
		o.fatal(c, fmt.Errorf("escalate: %w", err))
	}
}
