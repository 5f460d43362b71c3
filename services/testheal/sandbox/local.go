// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/testheal/pkg/logging"
)

// LocalConfig configures the local subprocess runner.
type LocalConfig struct {
	// RepoPath is the repository root tests run against.
	RepoPath string

	// Timeout bounds each invocation. On expiry the Result reports
	// TimedOut; the invocation is not an error.
	// Default: 60s
	Timeout time.Duration
}

// LocalRunner executes tests as subprocesses in the repository.
//
// Each invocation is a fresh process, so no state is shared between
// runs. This is the default Runner for local use; containerized
// runners satisfy the same interface.
//
// # Thread Safety
//
// Safe for concurrent use; every Run spawns an independent process.
type LocalRunner struct {
	repoPath string
	timeout  time.Duration
	logger   *logging.Logger
}

// NewLocalRunner creates a local runner.
func NewLocalRunner(cfg LocalConfig, logger *logging.Logger) *LocalRunner {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LocalRunner{
		repoPath: cfg.RepoPath,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// Run executes the selector and parses per-test results.
//
// Description:
//
//	Builds the language-appropriate runner command, executes it with
//	the configured timeout, and parses stdout/stderr with the
//	registered output parser. A non-zero exit with parseable failures
//	is a normal failed Result. Timeout sets TimedOut and fails the
//	Result without error.
//
// Outputs:
//
//	Result - Structured outcome, always meaningful on nil error.
//	error - Non-nil only for infrastructure problems (unknown
//	language, command could not start).
func (r *LocalRunner) Run(ctx context.Context, sel Selector) (Result, error) {
	argv, err := commandFor(sel)
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = r.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.Stderr = fmt.Sprintf("test execution timed out after %s\n%s", r.timeout, res.Stderr)
		r.logger.Warn("sandbox timeout",
			"file", sel.File, "test", sel.TestName, "timeout", r.timeout)
		return res, nil
	}

	if parser := ParserFor(sel.Language); parser != nil {
		res.Tests = parser(res.Stdout, res.Stderr)
	}

	res.Passed = runErr == nil && !anyFailed(res.Tests)
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Could not even start the runner binary.
			return res, fmt.Errorf("running %s: %w", argv[0], runErr)
		}
	}

	r.logger.Debug("sandbox run complete",
		"file", sel.File,
		"test", sel.TestName,
		"passed", res.Passed,
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

func anyFailed(tests []TestResult) bool {
	for _, t := range tests {
		if t.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// commandFor builds the runner invocation for a selector.
func commandFor(sel Selector) ([]string, error) {
	switch strings.ToLower(sel.Language) {
	case "python":
		target := sel.File
		if sel.TestName != "" {
			target = fmt.Sprintf("%s::%s", sel.File, sel.TestName)
		}
		return []string{"python", "-m", "pytest", target, "-v", "--tb=short"}, nil

	case "go":
		pkg := "./" + filepath.Dir(sel.File)
		argv := []string{"go", "test", "-v"}
		if sel.TestName != "" {
			argv = append(argv, "-run", fmt.Sprintf("^%s$", sel.TestName))
		}
		return append(argv, pkg), nil

	case "javascript", "typescript":
		argv := []string{"npx", "jest", sel.File, "--verbose"}
		if sel.TestName != "" {
			argv = append(argv, "-t", sel.TestName)
		}
		return argv, nil

	default:
		return nil, fmt.Errorf("no sandbox runner for language %q", sel.Language)
	}
}
