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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/testheal/services/testheal/checklist"
	"github.com/AleutianAI/testheal/services/testheal/config"
	"github.com/AleutianAI/testheal/services/testheal/escalate"
	"github.com/AleutianAI/testheal/services/testheal/patch"
)

// patchFile is the YAML shape of an operator-supplied patch.
type patchFile struct {
	Kind       string `yaml:"kind"`
	TargetFile string `yaml:"target_file"`
	OldText    string `yaml:"old_text,omitempty"`
	NewText    string `yaml:"new_text,omitempty"`
	Diff       string `yaml:"diff,omitempty"`
	Content    string `yaml:"content,omitempty"`
}

// runResolve records an operator verdict as a decision file in the
// run's inbox. A live run applies it immediately; otherwise the next
// resume sweeps it.
func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, repoPath)
	if err != nil {
		return err
	}
	id, caseID := args[0], args[1]

	verdict := escalate.Verdict(verdictName)
	if !verdict.Valid() {
		return fmt.Errorf("unknown verdict %q", verdictName)
	}

	res := escalate.Resolution{
		CaseID:  caseID,
		Verdict: verdict,
		Note:    verdictNote,
	}
	if patchPath != "" {
		if verdict != escalate.VerdictFix {
			return fmt.Errorf("--patch is only valid with --verdict fix")
		}
		manual, err := loadPatchFile(patchPath)
		if err != nil {
			return err
		}
		res.Manual = manual
	}

	decisionsDir := filepath.Join(cfg.StateDir, id, "decisions")
	if err := os.MkdirAll(decisionsDir, 0750); err != nil {
		return fmt.Errorf("create decisions directory: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(decisionsDir, caseID+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0640); err != nil {
		return fmt.Errorf("write decision file: %w", err)
	}

	fmt.Printf("decision recorded: %s -> %s (%s)\n", caseID, verdict, path)
	return nil
}

// loadPatchFile parses an operator patch description.
func loadPatchFile(path string) (*patch.Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading patch file: %w", err)
	}
	var pf patchFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing patch file: %w", err)
	}
	if pf.TargetFile == "" {
		return nil, fmt.Errorf("patch file %s: target_file is required", path)
	}
	kind := patch.Kind(pf.Kind)
	switch kind {
	case patch.KindTargetedReplace, patch.KindUnifiedDiff, patch.KindFullRewrite:
	default:
		return nil, fmt.Errorf("patch file %s: unknown kind %q", path, pf.Kind)
	}
	return &patch.Patch{
		Kind:       kind,
		TargetFile: pf.TargetFile,
		OldText:    pf.OldText,
		NewText:    pf.NewText,
		DiffBody:   pf.Diff,
		Content:    pf.Content,
	}, nil
}

// runPending lists the cases of a run awaiting a human decision.
func runPending(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, repoPath)
	if err != nil {
		return err
	}
	id := args[0]

	// Checklist and controller only: no knowledge base, so a live run
	// holding the BadgerDB lock does not block this command.
	store, err := checklist.Open(cfg.StateDir, id)
	if err != nil {
		return err
	}
	defer store.Close()
	controller, err := escalate.NewController(store, store.Dir(), nil)
	if err != nil {
		return err
	}

	pending, err := controller.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("no cases awaiting a decision")
		return nil
	}
	for _, req := range pending {
		fmt.Printf("%s  %s (%s)\n    %s\n",
			req.CaseID, req.TestName, req.File, req.Reason)
	}
	return nil
}
