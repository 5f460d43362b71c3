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
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/testheal/services/testheal/config"
	"github.com/AleutianAI/testheal/services/testheal/escalate"
	"github.com/AleutianAI/testheal/services/testheal/report"
)

// runRun starts a new verification run from a batch file.
func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, repoPath)
	if err != nil {
		return err
	}
	if strictMode {
		cfg.Strict = true
	}

	batch, err := loadBatch(batchPath)
	if err != nil {
		return err
	}

	id := runID
	if id == "" {
		id = time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	}

	h, err := buildHarness(cfg, id)
	if err != nil {
		return err
	}

	if err := batch.register(h.store); err != nil {
		h.Close()
		return err
	}

	printBanner(id, len(batch.Cases))

	inbox, err := escalate.NewInbox(h.escalator)
	if err != nil {
		h.Close()
		return fmt.Errorf("decision inbox: %w", err)
	}

	code, err := executeRun(h, id, inbox)
	h.Close()
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

// executeRun drives the orchestrator with the decision inbox running
// alongside and writes the report. Shared by run and resume; the
// returned code follows the strict exit contract.
func executeRun(h *harness, id string, inbox *escalate.Inbox) (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	inboxCtx, cancelInbox := context.WithCancel(ctx)
	defer cancelInbox()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := inbox.Run(inboxCtx); err != nil && inboxCtx.Err() == nil {
			h.logger.Warn("decision inbox stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		for out := range inbox.Outcomes() {
			if out.Manual != nil {
				h.orch.QueueManualPatch(out.Case.ID, out.Manual)
			}
			h.logger.Info("decision applied",
				"case_id", out.Case.ID, "status", out.Case.Status)
		}
	}()

	started := time.Now()
	cases, runErr := h.orch.Run(ctx)
	cancelInbox()
	wg.Wait()
	if runErr != nil {
		if ctx.Err() != nil {
			// Operator abort: the checklist holds the last committed
			// state of every case and resume continues from there.
			fmt.Fprintf(os.Stderr, "interrupted; resume with: testheal resume %s\n", id)
			return CLIExitError, nil
		}
		return CLIExitError, runErr
	}

	rep := report.Build(id, cases, time.Since(started))
	reportPath := filepath.Join(h.store.Dir(), "report.json")
	if err := rep.WriteJSON(reportPath); err != nil {
		h.logger.Error("cannot write report", "path", reportPath, "error", err)
	}
	if err := rep.WriteText(os.Stdout); err != nil {
		return CLIExitError, err
	}
	fmt.Printf("report: %s\n", reportPath)

	return exitCode(h.cfg.Strict, cases), nil
}
