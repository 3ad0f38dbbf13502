package orchestrator

import (
	"fmt"

	"github.com/ShayCichocki/squad/pkg/models"
)

// RouteItem picks the worker for an unassigned item: the first worker in
// roster order whose predicate matches the title and body, else fallback.
func RouteItem(item *models.WorkItem, workers []*models.WorkerSpec, fallback string) string {
	for _, w := range workers {
		if w.Matches(item.Title, item.Body) {
			return w.ID
		}
	}
	return fallback
}

// Route assigns every unassigned item in the batch. Explicit assignments
// must name a worker in the roster. Routing happens once, before execution.
func Route(batch *models.Batch, workers []*models.WorkerSpec, fallback string) error {
	known := make(map[string]bool, len(workers))
	for _, w := range workers {
		known[w.ID] = true
	}
	if !known[fallback] {
		return fmt.Errorf("fallback worker %q is not in the roster", fallback)
	}
	for _, it := range batch.Items() {
		if it.Assignment != "" {
			if !known[it.Assignment] {
				return fmt.Errorf("item %s: unknown worker %q", it.ID, it.Assignment)
			}
			continue
		}
		if err := batch.Assign(it.ID, RouteItem(it, workers, fallback)); err != nil {
			return err
		}
	}
	return nil
}
