// Package tui provides the live session monitor for squad run --tui.
//
// The monitor is read-only. It consumes orchestrator events and shows:
//   - the session id, mode and a progress bar over terminal items
//   - one row per work item with its worker, status and duration
//   - a short activity log of failures, skips and merge conflicts
//
// Pressing q or Ctrl+C while the session runs asks the orchestrator to stop;
// once the session is done the same keys exit.
//
// Usage:
//
//	program, monitor := tui.NewProgram(o.Events(), cancel)
//	go func() { record, err = o.Run(ctx, batch, mode) }()
//	_, err := program.Run()
//	_ = monitor.Record()
//
// RenderSessions formats stored session history as a table for squad status.
package tui
