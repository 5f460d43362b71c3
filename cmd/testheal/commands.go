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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath  string
	repoPath    string
	batchPath   string
	runID       string
	strictMode  bool
	verdictName string
	verdictNote string
	patchPath   string

	rootCmd = &cobra.Command{
		Use:   "testheal",
		Short: "Verify candidate tests and heal the ones that fail",
		Long: `testheal executes candidate tests in a sandbox, diagnoses
failures, applies minimal validated patches, re-verifies, and escalates
anything it cannot fix to a human.`,
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Verify a batch of candidate tests",
		Long: `Starts a new run from a batch file, drives every case to a
terminal or escalated state, and writes a JSON report into the run
directory.`,
		RunE: runRun, // Defined in cmd_run.go
	}

	resumeCmd = &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Resume an interrupted or escalated run",
		Long: `Reopens an existing run's checklist, applies any pending
operator decisions, and continues every case from its last committed
state.`,
		Args: cobra.ExactArgs(1),
		RunE: runResume, // Defined in cmd_resume.go
	}

	resolveCmd = &cobra.Command{
		Use:   "resolve [run-id] [case-id]",
		Short: "Record a verdict for an escalated case",
		Long: `Drops a decision file into the run's decision inbox. A live
run picks it up immediately; otherwise the next resume applies it.
Verdicts: fix, flag_bug, skip, keep_as_expected_failure.`,
		Args: cobra.ExactArgs(2),
		RunE: runResolve, // Defined in cmd_resolve.go
	}

	pendingCmd = &cobra.Command{
		Use:   "pending [run-id]",
		Short: "List cases awaiting a human decision",
		Args:  cobra.ExactArgs(1),
		RunE:  runPending, // Defined in cmd_resolve.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to testheal.yaml (default: <repo>/testheal.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", "",
		"repository root the tests run against (overrides config)")

	runCmd.Flags().StringVar(&batchPath, "batch", "",
		"YAML batch file listing the candidate tests (required)")
	runCmd.Flags().StringVar(&runID, "run-id", "",
		"run identifier (default: generated)")
	runCmd.Flags().BoolVar(&strictMode, "strict", false,
		"exit non-zero when any case ends failed, escalated, or fatal")
	runCmd.MarkFlagRequired("batch")

	resumeCmd.Flags().BoolVar(&strictMode, "strict", false,
		"exit non-zero when any case ends failed, escalated, or fatal")

	resolveCmd.Flags().StringVar(&verdictName, "verdict", "",
		"fix, flag_bug, skip, or keep_as_expected_failure (required)")
	resolveCmd.Flags().StringVar(&verdictNote, "note", "",
		"rationale recorded on the case")
	resolveCmd.Flags().StringVar(&patchPath, "patch", "",
		"YAML patch file applied with a fix verdict")
	resolveCmd.MarkFlagRequired("verdict")

	rootCmd.AddCommand(runCmd, resumeCmd, resolveCmd, pendingCmd)
}
