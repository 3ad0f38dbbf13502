package isolation

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/squad/pkg/models"
)

// Variants scales the variant count with priority: low gets min, critical
// gets max, medium and high sit a third and two thirds of the way between.
func Variants(p models.Priority, lo, hi int) int {
	if lo < 2 {
		lo = 2
	}
	if hi < lo {
		hi = lo
	}
	span := hi - lo
	switch p {
	case models.PriorityLow:
		return lo
	case models.PriorityHigh:
		return lo + (2*span)/3
	case models.PriorityCritical:
		return hi
	default:
		return lo + span/3
	}
}

// Redundant creates n independent worktrees per worker for one logical task.
// Every context is preserved: variants are kept for human selection and never
// merged.
type Redundant struct {
	wt *worktrees
	n  int
}

var _ Manager = (*Redundant)(nil)

// NewRedundant creates a manager producing n variants per worker.
func NewRedundant(opts Options, n int) (*Redundant, error) {
	if n < 2 {
		return nil, fmt.Errorf("redundant isolation needs at least 2 variants, got %d", n)
	}
	wt, err := newWorktrees(opts)
	if err != nil {
		return nil, err
	}
	return &Redundant{wt: wt, n: n}, nil
}

// Count is the number of variants per worker.
func (r *Redundant) Count() int {
	return r.n
}

// Prepare creates variants 1..n for every worker, keyed "<worker>-v<n>".
func (r *Redundant) Prepare(ctx context.Context, workers []string) (map[string]*Context, error) {
	if err := r.wt.verify(ctx); err != nil {
		return nil, err
	}
	contexts := make(map[string]*Context, len(workers)*r.n)
	for _, w := range workers {
		for v := 1; v <= r.n; v++ {
			key := contextKey(w, v)
			if _, dup := contexts[key]; dup {
				continue
			}
			c, err := r.wt.create(ctx, w, v)
			if err != nil {
				r.wt.abandon(ctx, contexts)
				return nil, err
			}
			contexts[key] = c
		}
	}
	if err := checkUnique(contexts); err != nil {
		r.wt.abandon(ctx, contexts)
		return nil, err
	}
	for _, c := range contexts {
		c.Preserved = true
	}
	return contexts, nil
}

// Finalize keeps preserved variants; anything unpreserved is removed.
func (r *Redundant) Finalize(ctx context.Context, contexts map[string]*Context) error {
	return r.wt.finalize(ctx, contexts)
}
