package models

import (
	"fmt"
	"sync"

	"github.com/ShayCichocki/squad/internal/graph"
)

// BatchSummary reports the state of a batch at a point in time.
type BatchSummary struct {
	// Total is the number of items in the batch.
	Total int `json:"total"`
	// Counts maps each status to the number of items in it.
	Counts map[TaskStatus]int `json:"counts"`
	// InProgress lists the IDs currently executing.
	InProgress []string `json:"in_progress,omitempty"`
	// Blocked lists pending IDs whose dependencies have not all completed.
	Blocked []string `json:"blocked,omitempty"`
}

// Batch is an ordered collection of work items submitted together.
// All access goes through the batch so that the scheduler and runners
// never share a mutable *WorkItem.
type Batch struct {
	// Name is the display name.
	Name string

	mu    sync.RWMutex
	items []*WorkItem
	index map[string]int
	graph *graph.DependencyGraph
}

// NewBatch creates a batch from items, preserving their order.
func NewBatch(name string, items []*WorkItem) *Batch {
	b := &Batch{
		Name:  name,
		items: make([]*WorkItem, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	for _, it := range items {
		b.index[it.ID] = len(b.items)
		b.items = append(b.items, it)
	}
	return b
}

// Validate checks that every item has an ID, IDs are unique, every
// dependency resolves within the batch, and the dependency graph is acyclic.
func (b *Batch) Validate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	nodes := make([]graph.Node, 0, len(b.items))
	for i, it := range b.items {
		if it.ID == "" {
			return fmt.Errorf("item %d has no id", i)
		}
		if !it.Status.Valid() {
			return fmt.Errorf("item %s has invalid status %q", it.ID, it.Status)
		}
		nodes = append(nodes, graph.Node{ID: it.ID, DependsOn: it.Dependencies})
	}

	g := graph.New()
	if err := g.Build(nodes); err != nil {
		return fmt.Errorf("batch %q: %w", b.Name, err)
	}
	b.graph = g
	return nil
}

// Len returns the number of items.
func (b *Batch) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Items returns copies of every item in batch order.
func (b *Batch) Items() []*WorkItem {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*WorkItem, len(b.items))
	for i, it := range b.items {
		out[i] = it.Clone()
	}
	return out
}

// Get returns a copy of the item with the given ID.
func (b *Batch) Get(id string) (*WorkItem, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return b.items[i].Clone(), true
}

// Assign sets the worker for an item. Only pending items may be reassigned.
func (b *Batch) Assign(id, worker string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok {
		return fmt.Errorf("unknown item %s", id)
	}
	if b.items[i].Status != TaskStatusPending {
		return fmt.Errorf("item %s is %s, cannot reassign", id, b.items[i].Status)
	}
	b.items[i].Assignment = worker
	return nil
}

// Start marks an item in-progress and returns a copy for the runner.
func (b *Batch) Start(id string) (*WorkItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("unknown item %s", id)
	}
	if err := b.items[i].MarkStarted(); err != nil {
		return nil, fmt.Errorf("start %s: %w", id, err)
	}
	return b.items[i].Clone(), nil
}

// Apply stores the runner's final copy of an item. The stored status may
// only move forward.
func (b *Batch) Apply(item *WorkItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[item.ID]
	if !ok {
		return fmt.Errorf("unknown item %s", item.ID)
	}
	cur := b.items[i]
	if cur.Status.Terminal() || statusOrder(item.Status) < statusOrder(cur.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, item.Status)
	}
	b.items[i] = item.Clone()
	return nil
}

// Skip marks a non-terminal item skipped with the given reason.
func (b *Batch) Skip(id, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok {
		return fmt.Errorf("unknown item %s", id)
	}
	return b.items[i].MarkSkipped(reason)
}

// SkipDependents marks every pending item that transitively depends on id as
// skipped and returns their IDs. Validate must have been called.
func (b *Batch) SkipDependents(id string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.graph == nil {
		return nil
	}
	var skipped []string
	for _, dep := range b.graph.Descendants(id) {
		it := b.items[b.index[dep]]
		if it.Status != TaskStatusPending {
			continue
		}
		_ = it.MarkSkipped(fmt.Sprintf("dependency %s did not complete", id))
		skipped = append(skipped, dep)
	}
	return skipped
}

// Ready returns copies of pending items whose dependencies have all
// completed, in batch order.
func (b *Batch) Ready() []*WorkItem {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ready []*WorkItem
	for _, it := range b.items {
		if it.Status == TaskStatusPending && b.depsCompletedLocked(it) {
			ready = append(ready, it.Clone())
		}
	}
	return ready
}

// Deadlocked reports whether pending items remain but none is ready and none
// is in progress, so no further progress is possible.
func (b *Batch) Deadlocked() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pending := 0
	for _, it := range b.items {
		switch it.Status {
		case TaskStatusInProgress:
			return false
		case TaskStatusPending:
			if b.depsCompletedLocked(it) {
				return false
			}
			pending++
		}
	}
	return pending > 0
}

// Done reports whether every item is terminal.
func (b *Batch) Done() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, it := range b.items {
		if !it.Status.Terminal() {
			return false
		}
	}
	return true
}

// Summary returns counts per status plus the in-progress and blocked sets.
func (b *Batch) Summary() BatchSummary {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := BatchSummary{
		Total:  len(b.items),
		Counts: make(map[TaskStatus]int),
	}
	for _, it := range b.items {
		s.Counts[it.Status]++
		switch it.Status {
		case TaskStatusInProgress:
			s.InProgress = append(s.InProgress, it.ID)
		case TaskStatusPending:
			if !b.depsCompletedLocked(it) {
				s.Blocked = append(s.Blocked, it.ID)
			}
		}
	}
	return s
}

// TotalEffort sums the estimated effort of every item.
func (b *Batch) TotalEffort() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total float64
	for _, it := range b.items {
		total += it.EstimatedEffort
	}
	return total
}

func (b *Batch) depsCompletedLocked(it *WorkItem) bool {
	for _, dep := range it.Dependencies {
		i, ok := b.index[dep]
		if !ok || b.items[i].Status != TaskStatusCompleted {
			return false
		}
	}
	return true
}

func statusOrder(s TaskStatus) int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusInProgress:
		return 1
	default:
		return 2
	}
}
