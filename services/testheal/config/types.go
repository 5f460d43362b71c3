// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates run configuration.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// cfgValidate validates Config structs against their struct tags.
var cfgValidate = validator.New()

// Config is the full run configuration.
type Config struct {
	// RepoPath is the repository the tests run against.
	RepoPath string `yaml:"repo_path" validate:"required"`

	// StateDir holds per-run checklist state. Default: .testheal
	StateDir string `yaml:"state_dir"`

	// MaxRetries bounds healing attempts per case before escalation.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=20"`

	// Workers bounds concurrent case processing.
	Workers int `yaml:"workers" validate:"min=1,max=64"`

	// ConfidenceFloor forces escalation below this diagnosis
	// confidence.
	ConfidenceFloor float64 `yaml:"confidence_floor" validate:"min=0,max=1"`

	// Strict makes the run exit non-zero when any case ends Failed,
	// Escalated, FlaggedBug, or Fatal.
	Strict bool `yaml:"strict"`

	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Patch     PatchConfig     `yaml:"patch"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Model     ModelConfig     `yaml:"model"`
	Log       LogConfig       `yaml:"log"`
}

// SandboxConfig controls test execution.
type SandboxConfig struct {
	// TimeoutSeconds bounds one runner invocation. Expiry is an
	// environment failure, not a crash.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"min=1,max=3600"`
}

// Timeout returns the runner timeout as a duration.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// PatchConfig controls the patch engine.
type PatchConfig struct {
	// LockScope is "file" (patches to distinct files proceed in
	// parallel) or "tree" (one global lock).
	LockScope string `yaml:"lock_scope" validate:"oneof=file tree"`

	// LockTimeoutSeconds bounds waiting for the target-file lock.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds" validate:"min=1,max=600"`

	// Fuzz is the maximum line drift allowed when anchoring unified
	// diff hunks.
	Fuzz int `yaml:"fuzz" validate:"min=0,max=10"`
}

// LockTimeout returns the lock wait bound as a duration.
func (p PatchConfig) LockTimeout() time.Duration {
	return time.Duration(p.LockTimeoutSeconds) * time.Second
}

// KnowledgeConfig controls the cross-run knowledge base.
type KnowledgeConfig struct {
	// Enabled turns heal-rate priors on.
	Enabled bool `yaml:"enabled"`

	// Path is the BadgerDB directory. Default: <state_dir>/knowledge
	Path string `yaml:"path"`
}

// ModelConfig controls the LLM collaborators. When disabled the
// engine still runs: rule-layer diagnosis only, no drafted patches.
type ModelConfig struct {
	Enabled bool `yaml:"enabled"`

	// Model names the chat model, e.g. gpt-4o-mini.
	Model string `yaml:"model"`

	// BaseURL points at an OpenAI-compatible endpoint. Empty uses
	// the hosted API. The API key comes from OPENAI_API_KEY, never
	// from this file.
	BaseURL string `yaml:"base_url,omitempty"`

	Temperature float32 `yaml:"temperature" validate:"min=0,max=2"`
}

// LogConfig controls logging output.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir receives JSON log files; empty disables file logging.
	Dir string `yaml:"dir,omitempty"`

	// JSON switches console output to JSON.
	JSON bool `yaml:"json"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		StateDir:        ".testheal",
		MaxRetries:      3,
		Workers:         4,
		ConfidenceFloor: 0.6,
		Sandbox:         SandboxConfig{TimeoutSeconds: 60},
		Patch: PatchConfig{
			LockScope:          "file",
			LockTimeoutSeconds: 30,
			Fuzz:               2,
		},
		Knowledge: KnowledgeConfig{Enabled: true},
		Model: ModelConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate checks the configuration against its constraints.
func (c Config) Validate() error {
	return cfgValidate.Struct(c)
}
