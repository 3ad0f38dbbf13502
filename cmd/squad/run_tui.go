package main

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/squad/internal/orchestrator"
	"github.com/ShayCichocki/squad/internal/tui"
	"github.com/ShayCichocki/squad/pkg/models"
)

type runResult struct {
	record *models.SessionRecord
	err    error
}

// runWithTUI runs the orchestrator behind the live monitor. Quitting the
// monitor early cancels the run; the call still waits for the record.
func runWithTUI(ctx context.Context, cancel context.CancelFunc, orch *orchestrator.Orchestrator, batch *models.Batch, mode models.ExecutionMode) (*models.SessionRecord, error) {
	program, _ := tui.NewProgram(orch.Events(), cancel)

	orchDone := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				orchDone <- runResult{err: fmt.Errorf("panic in orchestrator: %v", r)}
			}
		}()
		record, err := orch.Run(ctx, batch, mode)
		orchDone <- runResult{record: record, err: err}
	}()

	tuiDone := make(chan error, 1)
	go func() {
		_, err := program.Run()
		tuiDone <- err
	}()

	select {
	case res := <-orchDone:
		program.Send(tui.DoneMsg{Record: res.record, Err: res.err})
		// Leave the monitor up so the final state can be read; q exits.
		if err := <-tuiDone; err != nil {
			return res.record, fmt.Errorf("monitor: %w", err)
		}
		return res.record, res.err

	case err := <-tuiDone:
		cancel()
		res := <-orchDone
		if err != nil && res.err == nil {
			res.err = fmt.Errorf("monitor: %w", err)
		}
		return res.record, res.err
	}
}
