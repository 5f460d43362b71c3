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
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/testheal/services/testheal/config"
	"github.com/AleutianAI/testheal/services/testheal/escalate"
)

// runResume continues an existing run from its committed state.
func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, repoPath)
	if err != nil {
		return err
	}
	if strictMode {
		cfg.Strict = true
	}

	id := args[0]
	h, err := buildHarness(cfg, id)
	if err != nil {
		return err
	}

	// Decisions recorded while no run was live take effect before
	// scheduling starts, so resolved cases are eligible on the first
	// pass.
	inbox, err := escalate.NewInbox(h.escalator)
	if err != nil {
		h.Close()
		return fmt.Errorf("decision inbox: %w", err)
	}
	outcomes, err := inbox.Sweep(context.Background())
	if err != nil {
		h.Close()
		return err
	}
	for _, out := range outcomes {
		if out.Manual != nil {
			h.orch.QueueManualPatch(out.Case.ID, out.Manual)
		}
		h.logger.Info("decision applied",
			"case_id", out.Case.ID, "status", out.Case.Status)
	}

	cases, err := h.store.Load()
	if err != nil {
		h.Close()
		return err
	}
	printBanner(id, len(cases))

	code, err := executeRun(h, id, inbox)
	h.Close()
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}
