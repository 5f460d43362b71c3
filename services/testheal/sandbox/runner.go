// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox defines the test execution collaborator interface
// and a local subprocess implementation.
//
// The sandbox is the only place tests actually run. Implementations
// must guarantee isolation: no shared process state between
// invocations. Timeouts surface as a normal failed Result (TimedOut
// set), never as an error; the engine routes them through the usual
// retry path as environment failures.
package sandbox

import (
	"context"
	"time"
)

// Selector names what to execute.
type Selector struct {
	// Language selects the runner command and output parser.
	Language string

	// File is the test file path, relative to the repository root.
	File string

	// TestName narrows execution to one test function when set.
	TestName string
}

// TestResult is the outcome of one named test within an invocation.
type TestResult struct {
	Name    string
	Outcome Outcome

	// FailureMessage is a bounded excerpt of the failure, empty for
	// passed and skipped tests.
	FailureMessage string
}

// Outcome is a per-test verdict.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Result is the structured outcome of one sandbox invocation.
type Result struct {
	// Passed is true when every selected test passed.
	Passed bool

	// TimedOut marks a runner timeout. Treated as an environment
	// failure, not a crash.
	TimedOut bool

	Stdout   string
	Stderr   string
	Duration time.Duration

	// Tests holds per-test outcomes when the output parser could
	// extract them.
	Tests []TestResult
}

// FailureText returns the most useful text for diagnosis: the failure
// message of the first failed test when available, otherwise stderr
// plus stdout.
func (r Result) FailureText() string {
	for _, t := range r.Tests {
		if t.Outcome == OutcomeFailed && t.FailureMessage != "" {
			return t.FailureMessage
		}
	}
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}

// Runner executes a test selector against the source tree.
//
// Implementations must be safe for concurrent use; the engine invokes
// Run from multiple workers. Run must honor ctx cancellation.
type Runner interface {
	Run(ctx context.Context, sel Selector) (Result, error)
}
