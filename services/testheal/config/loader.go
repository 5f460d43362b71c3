// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked for in the repository root when no
// explicit config path is given.
const DefaultFileName = "testheal.yaml"

// Load reads, overlays, and validates configuration.
//
// Description:
//
//	Starts from Default(), overlays the YAML file at path (missing
//	file is fine for an empty path; an explicit path must exist),
//	applies TESTHEAL_* environment overrides, fills derived defaults,
//	and validates the result.
//
// Inputs:
//
//	path - Config file path. Empty means <repo>/testheal.yaml if
//	present, else pure defaults.
//	repoPath - Repository root; becomes RepoPath unless the file sets
//	one.
//
// Outputs:
//
//	Config - Ready-to-use configuration.
//	error - Non-nil on unreadable file, bad YAML, or failed
//	validation.
func Load(path, repoPath string) (Config, error) {
	cfg := Default()
	cfg.RepoPath = repoPath

	explicit := path != ""
	if !explicit && repoPath != "" {
		path = filepath.Join(repoPath, DefaultFileName)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// No file, defaults apply.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if cfg.RepoPath == "" {
		cfg.RepoPath = repoPath
	}

	applyEnvOverrides(&cfg)

	if cfg.Knowledge.Path == "" {
		cfg.Knowledge.Path = filepath.Join(cfg.StateDir, "knowledge")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the file for the
// settings operators most often flip per run.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TESTHEAL_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("TESTHEAL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("TESTHEAL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("TESTHEAL_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("TESTHEAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
