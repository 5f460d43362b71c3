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
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/testheal/services/testheal/checklist"
	"github.com/AleutianAI/testheal/services/testheal/diagnose"
	"github.com/AleutianAI/testheal/services/testheal/escalate"
	"github.com/AleutianAI/testheal/services/testheal/knowledge"
	"github.com/AleutianAI/testheal/services/testheal/patch"
	"github.com/AleutianAI/testheal/services/testheal/propose"
	"github.com/AleutianAI/testheal/services/testheal/sandbox"
)

// scriptedRunner replays canned results per test name. Once a test's
// script is exhausted it keeps passing, so scripts only describe the
// interesting failures.
type scriptedRunner struct {
	mu      sync.Mutex
	results map[string][]sandbox.Result
	errs    map[string]error
	calls   map[string]int
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		results: map[string][]sandbox.Result{},
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

func (r *scriptedRunner) script(testName string, results ...sandbox.Result) {
	r.results[testName] = results
}

func (r *scriptedRunner) Run(ctx context.Context, sel sandbox.Selector) (sandbox.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[sel.TestName]++
	if err := r.errs[sel.TestName]; err != nil {
		return sandbox.Result{}, err
	}
	q := r.results[sel.TestName]
	if len(q) == 0 {
		return sandbox.Result{Passed: true}, nil
	}
	res := q[0]
	r.results[sel.TestName] = q[1:]
	return res, nil
}

func (r *scriptedRunner) callCount(testName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[testName]
}

// scriptedDrafter returns canned patches keyed by requested kind.
type scriptedDrafter struct {
	mu      sync.Mutex
	byKind  map[patch.Kind]func(req propose.DraftRequest) *patch.Patch
	err     error
	drafted []patch.Kind
}

func (d *scriptedDrafter) Draft(ctx context.Context, req propose.DraftRequest) (*patch.Patch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.drafted = append(d.drafted, req.Kind)
	if fn := d.byKind[req.Kind]; fn != nil {
		return fn(req), nil
	}
	// Unscripted kinds produce an empty payload, which never passes
	// validation.
	return &patch.Patch{CaseID: req.CaseID, Kind: req.Kind, TargetFile: req.File}, nil
}

type capturingRecorder struct {
	mu  sync.Mutex
	obs []knowledge.Observation
}

func (r *capturingRecorder) Append(ctx context.Context, obs knowledge.Observation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, obs)
	return nil
}

// failedResult builds a failing sandbox result with one failure
// message routed through per-test parsing.
func failedResult(testName, message string) sandbox.Result {
	return sandbox.Result{
		Passed: false,
		Tests: []sandbox.TestResult{
			{Name: testName, Outcome: sandbox.OutcomeFailed, FailureMessage: message},
		},
	}
}

type harness struct {
	repo      string
	store     *checklist.Store
	runner    *scriptedRunner
	drafter   *scriptedDrafter
	recorder  *capturingRecorder
	escalator *escalate.Controller
	orch      *Orchestrator
}

func newHarness(t *testing.T, maxRetries int, drafter *scriptedDrafter) *harness {
	t.Helper()
	repo := t.TempDir()
	store, err := checklist.Open(t.TempDir(), "run-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	escalator, err := escalate.NewController(store, store.Dir(), nil)
	require.NoError(t, err)

	runner := newScriptedRunner()
	recorder := &capturingRecorder{}

	deps := Deps{
		Store:      store,
		Runner:     runner,
		Classifier: diagnose.New(diagnose.Config{}, nil, nil, nil),
		Patches:    patch.NewEngine(patch.Config{Root: repo}, nil),
		Escalator:  escalator,
		Recorder:   recorder,
	}
	if drafter != nil {
		deps.Drafter = drafter
	}
	orch, err := New(Config{RepoPath: repo, MaxRetries: maxRetries, Workers: 2}, deps)
	require.NoError(t, err)

	return &harness{
		repo:      repo,
		store:     store,
		runner:    runner,
		drafter:   drafter,
		recorder:  recorder,
		escalator: escalator,
		orch:      orch,
	}
}

func (h *harness) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(h.repo, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
}

func (h *harness) readFile(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.repo, rel))
	require.NoError(t, err)
	return string(data)
}

func (h *harness) addCase(t *testing.T, c *checklist.TestCase) {
	t.Helper()
	if c.Language == "" {
		c.Language = "python"
	}
	require.NoError(t, h.store.Add(c))
}

const tallyTest = `def test_add():
    assert tally(1, 2) == 3
`

// A unique missing-name failure heals with a targeted replacement and
// the case locks in as passed.
func TestHealMissingName(t *testing.T) {
	drafter := &scriptedDrafter{byKind: map[patch.Kind]func(propose.DraftRequest) *patch.Patch{
		patch.KindTargetedReplace: func(req propose.DraftRequest) *patch.Patch {
			return &patch.Patch{
				CaseID:     req.CaseID,
				Kind:       patch.KindTargetedReplace,
				TargetFile: req.File,
				OldText:    "assert tally(1, 2) == 3",
				NewText:    "assert 1 + 2 == 3",
				Confidence: 0.9,
			}
		},
	}}
	h := newHarness(t, 3, drafter)
	h.writeFile(t, "tests/test_add.py", tallyTest)
	h.addCase(t, &checklist.TestCase{
		ID: "c1", Name: "test_add", File: "tests/test_add.py",
		Status: checklist.StatusPending,
	})
	h.runner.script("test_add",
		failedResult("test_add", "E   NameError: name 'tally' is not defined"),
		sandbox.Result{Passed: true},
	)

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, cases, 1)

	c := cases[0]
	assert.Equal(t, checklist.StatusPassed, c.Status)
	assert.Equal(t, 1, c.RetryCount)
	require.Len(t, c.PatchesApplied, 1)
	assert.NotEmpty(t, c.PatchesApplied[0])

	// The least invasive kind was chosen directly.
	assert.Equal(t, []patch.Kind{patch.KindTargetedReplace}, drafter.drafted)
	assert.Contains(t, h.readFile(t, "tests/test_add.py"), "assert 1 + 2 == 3")

	// The heal outcome fed the knowledge base.
	require.Len(t, h.recorder.obs, 1)
	assert.True(t, h.recorder.obs[0].Healed)
	assert.Equal(t, diagnose.CategoryImportOrName, h.recorder.obs[0].Category)
	assert.Equal(t, "tally", h.recorder.obs[0].Signature)
}

// Repeated structurally different failures exhaust the retry cap and
// the case escalates carrying the final failure.
func TestRetryCapEscalates(t *testing.T) {
	rewriteCount := 0
	drafter := &scriptedDrafter{byKind: map[patch.Kind]func(propose.DraftRequest) *patch.Patch{
		patch.KindFullRewrite: func(req propose.DraftRequest) *patch.Patch {
			rewriteCount++
			return &patch.Patch{
				CaseID:     req.CaseID,
				Kind:       patch.KindFullRewrite,
				TargetFile: req.File,
				Content:    fmt.Sprintf("def test_sum():\n    assert rewrite_%d\n", rewriteCount),
				Confidence: 0.8,
			}
		},
	}}
	h := newHarness(t, 3, drafter)
	h.writeFile(t, "tests/test_sum.py", "def test_sum():\n    assert total([1]) == 1\n")
	h.addCase(t, &checklist.TestCase{
		ID: "c2", Name: "test_sum", File: "tests/test_sum.py",
		Status: checklist.StatusPending,
	})
	h.runner.script("test_sum",
		failedResult("test_sum", "E       AssertionError: assert 1 == 2"),
		failedResult("test_sum", "E       AssertionError: assert [] == [1]"),
		failedResult("test_sum", "E       AssertionError: assert None == 1"),
		failedResult("test_sum", "E       AssertionError: assert 0 == 1 (final)"),
	)

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	c := cases[0]
	assert.Equal(t, checklist.StatusEscalated, c.Status)
	assert.Equal(t, 3, c.RetryCount)
	require.NotNil(t, c.LastFailure)
	assert.Contains(t, c.LastFailure.Message, "(final)")
	assert.Contains(t, c.EscalationReason, "retry cap")

	// The final attempt was classified like any other, so the report
	// tallies it by category.
	assert.Equal(t, string(diagnose.CategoryAssertionMismatch), c.LastFailure.Category)
	assert.Equal(t, string(diagnose.ScopeMultiLine), c.LastFailure.Scope)

	// An escalation request awaits the operator.
	pending, err := h.escalator.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].CaseID)
}

// Once a case commits Passed, another run never re-executes it.
func TestPassedCaseIsLockedIn(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.writeFile(t, "tests/test_ok.py", "def test_ok():\n    assert True\n")
	h.addCase(t, &checklist.TestCase{
		ID: "c3", Name: "test_ok", File: "tests/test_ok.py",
		Status: checklist.StatusPending,
	})

	_, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.runner.callCount("test_ok"))

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checklist.StatusPassed, cases[0].Status)
	assert.Equal(t, 1, h.runner.callCount("test_ok"), "passed case must never re-run")
}

// Environment failures retry without patching.
func TestEnvironmentFailureRetries(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.writeFile(t, "tests/test_net.py", "def test_net():\n    assert ping()\n")
	h.addCase(t, &checklist.TestCase{
		ID: "c4", Name: "test_net", File: "tests/test_net.py",
		Status: checklist.StatusPending,
	})
	h.runner.script("test_net",
		failedResult("test_net", "ConnectionRefusedError: [Errno 111] Connection refused"),
		sandbox.Result{Passed: true},
	)

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	c := cases[0]
	assert.Equal(t, checklist.StatusPassed, c.Status)
	assert.Equal(t, 1, c.RetryCount)
	assert.Empty(t, c.PatchesApplied, "environment failures are never patched")
}

// A sandbox timeout is an environment failure, not a crash.
func TestTimeoutTreatedAsEnvironment(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.writeFile(t, "tests/test_slow.py", "def test_slow():\n    work()\n")
	h.addCase(t, &checklist.TestCase{
		ID: "c5", Name: "test_slow", File: "tests/test_slow.py",
		Status: checklist.StatusPending,
	})
	h.runner.script("test_slow",
		sandbox.Result{Passed: false, TimedOut: true, Stderr: "test execution timed out"},
		sandbox.Result{Passed: true},
	)

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checklist.StatusPassed, cases[0].Status)
	assert.Equal(t, 1, cases[0].RetryCount)
}

// Low-confidence diagnoses escalate instead of guessing.
func TestLowConfidenceEscalates(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.writeFile(t, "tests/test_odd.py", "def test_odd():\n    run()\n")
	h.addCase(t, &checklist.TestCase{
		ID: "c6", Name: "test_odd", File: "tests/test_odd.py",
		Status: checklist.StatusPending,
	})
	h.runner.script("test_odd",
		failedResult("test_odd", "something inscrutable happened"),
	)

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	c := cases[0]
	assert.Equal(t, checklist.StatusEscalated, c.Status)
	assert.Contains(t, c.EscalationReason, "low confidence")
	assert.Equal(t, string(diagnose.CategoryAmbiguous), c.LastFailure.Category)
}

// Dependents wait for their dependencies and run once they pass.
func TestDependencyGating(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.writeFile(t, "tests/test_base.py", "def test_base():\n    assert True\n")
	h.writeFile(t, "tests/test_child.py", "def test_child():\n    assert True\n")
	h.addCase(t, &checklist.TestCase{
		ID: "base", Name: "test_base", File: "tests/test_base.py",
		Status: checklist.StatusPending,
	})
	h.addCase(t, &checklist.TestCase{
		ID: "child", Name: "test_child", File: "tests/test_child.py",
		Status: checklist.StatusPending, DependsOn: []string{"base"},
	})

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	byID := map[string]*checklist.TestCase{}
	for _, c := range cases {
		byID[c.ID] = c
	}
	assert.Equal(t, checklist.StatusPassed, byID["base"].Status)
	assert.Equal(t, checklist.StatusPassed, byID["child"].Status)
}

// A dependent of an escalated case stays pending; the human may still
// unblock it. A dependent of a fatally failed case is skipped.
func TestDependencyBlockedAndUnsatisfiable(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.writeFile(t, "tests/test_stuck.py", "def test_stuck():\n    run()\n")
	h.writeFile(t, "tests/test_after.py", "def test_after():\n    assert True\n")
	h.writeFile(t, "tests/test_broken.py", "def test_broken():\n    assert True\n")
	h.writeFile(t, "tests/test_last.py", "def test_last():\n    assert True\n")

	// stuck escalates (ambiguous failure), after depends on it.
	h.addCase(t, &checklist.TestCase{
		ID: "stuck", Name: "test_stuck", File: "tests/test_stuck.py",
		Status: checklist.StatusPending,
	})
	h.addCase(t, &checklist.TestCase{
		ID: "after", Name: "test_after", File: "tests/test_after.py",
		Status: checklist.StatusPending, DependsOn: []string{"stuck"},
	})
	// broken dies fatally (runner infrastructure error), last depends
	// on it and can never run.
	h.addCase(t, &checklist.TestCase{
		ID: "broken", Name: "test_broken", File: "tests/test_broken.py",
		Status: checklist.StatusPending,
	})
	h.addCase(t, &checklist.TestCase{
		ID: "last", Name: "test_last", File: "tests/test_last.py",
		Status: checklist.StatusPending, DependsOn: []string{"broken"},
	})

	h.runner.script("test_stuck", failedResult("test_stuck", "mystery"))
	h.runner.errs["test_broken"] = errors.New("runner binary missing")

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	byID := map[string]*checklist.TestCase{}
	for _, c := range cases {
		byID[c.ID] = c
	}
	assert.Equal(t, checklist.StatusEscalated, byID["stuck"].Status)
	assert.Equal(t, checklist.StatusPending, byID["after"].Status)
	assert.Equal(t, 0, h.runner.callCount("test_after"))

	assert.Equal(t, checklist.StatusFatal, byID["broken"].Status)
	assert.Equal(t, checklist.StatusSkipped, byID["last"].Status)
	assert.Contains(t, byID["last"].EscalationReason, "broken")
}

// A checklist left mid-flight by a crash resumes from the committed
// status and reaches the same outcome.
func TestResumeFromCommittedState(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.writeFile(t, "tests/test_resume.py", "def test_resume():\n    assert True\n")

	// Crash happened after committing Verifying.
	h.addCase(t, &checklist.TestCase{
		ID: "r1", Name: "test_resume", File: "tests/test_resume.py",
		Status: checklist.StatusVerifying,
	})
	// Crash happened after committing Healing; the diagnosis is
	// rebuilt from the failure record.
	h.writeFile(t, "tests/test_heal.py", "def test_heal():\n    assert fetch()\n")
	h.addCase(t, &checklist.TestCase{
		ID: "r2", Name: "test_heal", File: "tests/test_heal.py",
		Status:     checklist.StatusHealing,
		RetryCount: 1,
		LastFailure: &checklist.FailureRecord{
			Message: "ConnectionRefusedError: [Errno 111] Connection refused",
		},
	})

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	byID := map[string]*checklist.TestCase{}
	for _, c := range cases {
		byID[c.ID] = c
	}
	assert.Equal(t, checklist.StatusPassed, byID["r1"].Status)
	assert.Equal(t, checklist.StatusPassed, byID["r2"].Status)
	assert.Equal(t, 2, byID["r2"].RetryCount)
}

// A fix verdict with a manual patch re-enters healing without
// consuming a retry.
func TestManualPatchAfterFixVerdict(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.writeFile(t, "tests/test_fix.py", "def test_fix():\n    assert code == 200\n")
	h.addCase(t, &checklist.TestCase{
		ID: "m1", Name: "test_fix", File: "tests/test_fix.py",
		Status: checklist.StatusPending,
	})
	h.runner.script("test_fix",
		failedResult("test_fix", "weird unclassifiable output"),
		sandbox.Result{Passed: true},
	)

	ctx := context.Background()
	cases, err := h.orch.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, checklist.StatusEscalated, cases[0].Status)
	retriesAtEscalation := cases[0].RetryCount

	manual := &patch.Patch{
		Kind:       patch.KindTargetedReplace,
		TargetFile: "tests/test_fix.py",
		OldText:    "assert code == 200",
		NewText:    "assert 200 == 200",
	}
	out, err := h.escalator.Resolve(ctx, "m1", escalate.Resolution{
		Verdict: escalate.VerdictFix,
		Manual:  manual,
	})
	require.NoError(t, err)
	h.orch.QueueManualPatch("m1", out.Manual)

	cases, err = h.orch.Run(ctx)
	require.NoError(t, err)

	c := cases[0]
	assert.Equal(t, checklist.StatusPassed, c.Status)
	assert.Equal(t, retriesAtEscalation, c.RetryCount, "fix verdict must not consume a retry")
	require.Len(t, c.PatchesApplied, 1)
	assert.Contains(t, h.readFile(t, "tests/test_fix.py"), "assert 200 == 200")
}

// Validation failures escalate the patch kind before escalating the
// case.
func TestPatchKindEscalation(t *testing.T) {
	drafter := &scriptedDrafter{byKind: map[patch.Kind]func(propose.DraftRequest) *patch.Patch{
		// The targeted draft is ambiguous on purpose: "assert" occurs
		// twice in the file.
		patch.KindTargetedReplace: func(req propose.DraftRequest) *patch.Patch {
			return &patch.Patch{
				CaseID: req.CaseID, Kind: patch.KindTargetedReplace,
				TargetFile: req.File,
				OldText:    "assert", NewText: "verify",
				Confidence: 0.9,
			}
		},
		patch.KindFullRewrite: func(req propose.DraftRequest) *patch.Patch {
			return &patch.Patch{
				CaseID: req.CaseID, Kind: patch.KindFullRewrite,
				TargetFile: req.File,
				Content:    "def test_both():\n    assert True\n",
				Confidence: 0.9,
			}
		},
	}}
	h := newHarness(t, 3, drafter)
	h.writeFile(t, "tests/test_both.py",
		"def test_both():\n    assert alpha()\n    assert 1\n")
	h.addCase(t, &checklist.TestCase{
		ID: "k1", Name: "test_both", File: "tests/test_both.py",
		Status: checklist.StatusPending,
	})
	h.runner.script("test_both",
		failedResult("test_both", "E   NameError: name 'alpha' is not defined"),
		sandbox.Result{Passed: true},
	)

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, checklist.StatusPassed, cases[0].Status)
	// Targeted failed validation (not unique), the unscripted unified
	// diff failed too, and the rewrite landed.
	assert.Equal(t, []patch.Kind{
		patch.KindTargetedReplace,
		patch.KindUnifiedDiff,
		patch.KindFullRewrite,
	}, drafter.drafted)
}

// Without a drafter, a patchable diagnosis escalates.
func TestNoDrafterEscalates(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.writeFile(t, "tests/test_nd.py", "def test_nd():\n    assert omega()\n")
	h.addCase(t, &checklist.TestCase{
		ID: "n1", Name: "test_nd", File: "tests/test_nd.py",
		Status: checklist.StatusPending,
	})
	h.runner.script("test_nd",
		failedResult("test_nd", "E   NameError: name 'omega' is not defined"),
	)

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checklist.StatusEscalated, cases[0].Status)
	assert.Contains(t, cases[0].EscalationReason, "no patch drafter")
}

// When the store stops accepting writes, a case whose fatal status
// cannot be committed is retired for the rest of the run instead of
// being rescheduled on every pass.
func TestFatalCommitFailureRetiresCase(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.writeFile(t, "tests/test_disk.py", "def test_disk():\n    assert True\n")
	h.addCase(t, &checklist.TestCase{
		ID: "d1", Name: "test_disk", File: "tests/test_disk.py",
		Status: checklist.StatusVerifying,
	})
	h.runner.errs["test_disk"] = errors.New("sandbox unavailable")

	// Break commits mid-run: checklist.json replaced by a directory
	// makes every rename fail while reads keep serving from memory.
	lock := filepath.Join(h.store.Dir(), "checklist.json")
	require.NoError(t, os.Remove(lock))
	require.NoError(t, os.Mkdir(lock, 0750))
	t.Cleanup(func() { _ = os.Remove(lock) })

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, cases, 1)

	// One attempt, then the case was parked. The store still shows the
	// last state that committed.
	assert.Equal(t, 1, h.runner.callCount("test_disk"))
	assert.Equal(t, checklist.StatusVerifying, cases[0].Status)
}

// Cases submitted with code get their file materialized before the
// first verification.
func TestGenerationWritesCase(t *testing.T) {
	h := newHarness(t, 3, nil)
	body := "def test_gen():\n    assert True\n"
	h.addCase(t, &checklist.TestCase{
		ID: "g1", Name: "test_gen", File: "tests/test_gen.py",
		Status: checklist.StatusPending,
		Code:   body,
	})

	cases, err := h.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checklist.StatusPassed, cases[0].Status)
	assert.Equal(t, body, h.readFile(t, "tests/test_gen.py"))
}
