// Package orchestrator runs a batch of work items to completion.
//
// A run validates the batch, routes unassigned items to workers, opens the
// coordination bus, resolves and prepares the execution mode, schedules
// ready items under the mode's parallelism limit, reconciles worker branches
// and produces a session record. Per-item failures are recorded on the items
// and never abort the batch; their dependents are skipped.
//
// Example usage:
//
//	o, err := orchestrator.New(orchestrator.RequiredConfig{Git: g, Exec: cr, Config: cfg})
//	record, err := o.Run(ctx, batch, models.ModeAuto)
//	os.Exit(orchestrator.ExitCode(record, err))
package orchestrator
