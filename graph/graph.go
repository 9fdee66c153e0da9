// Package graph exposes task dependency edges as first-class queryable
// relations and enforces graph invariants before any request leaves the
// client. The server remains the final authority; validation here exists so
// a rejected edge never costs a network round trip.
package graph

import (
	"errors"
	"fmt"

	"github.com/gammazero/toposort"

	"boardsync/domain"
)

var (
	// ErrSelfDependency rejects a task depending on itself.
	ErrSelfDependency = errors.New("a task cannot depend on itself")
	// ErrDuplicateEdge rejects an edge that already exists.
	ErrDuplicateEdge = errors.New("dependency already exists")
	// ErrCycle rejects an edge that would close a dependency cycle.
	ErrCycle = errors.New("dependency would create a cycle")
)

// Overlay is an adjacency view over the current task list, keyed by task id.
// Rebuild it from the store after each change; it holds no state of its own.
type Overlay struct {
	prereqs map[string][]string
}

// Build constructs the overlay from normalized tasks.
func Build(tasks []domain.Task) *Overlay {
	o := &Overlay{prereqs: make(map[string][]string, len(tasks))}
	for _, t := range tasks {
		ids := make([]string, 0, len(t.Dependencies))
		for _, e := range t.Dependencies {
			ids = append(ids, e.PrerequisiteID)
		}
		o.prereqs[t.ID] = ids
	}
	return o
}

// ValidateEdge reports why an edge from dependent to prerequisite may not be
// added: self-dependency, duplicate, or cycle. A nil error means the edge is
// safe to send.
func (o *Overlay) ValidateEdge(fromID, toID string) error {
	if fromID == toID {
		return ErrSelfDependency
	}
	for _, existing := range o.prereqs[fromID] {
		if existing == toID {
			return ErrDuplicateEdge
		}
	}
	// If the prerequisite can already reach the dependent over existing
	// edges, adding from->to closes a cycle.
	if o.reaches(toID, fromID) {
		return fmt.Errorf("%w: %s already depends on %s", ErrCycle, toID, fromID)
	}
	return nil
}

// CanAddEdge is the boolean form of ValidateEdge.
func (o *Overlay) CanAddEdge(fromID, toID string) bool {
	return o.ValidateEdge(fromID, toID) == nil
}

// AvailableTargets lists tasks that may become prerequisites of taskID:
// everything except the task itself and its existing prerequisites.
func (o *Overlay) AvailableTargets(taskID string, all []domain.Task) []domain.Task {
	existing := make(map[string]struct{}, len(o.prereqs[taskID]))
	for _, id := range o.prereqs[taskID] {
		existing[id] = struct{}{}
	}
	out := make([]domain.Task, 0, len(all))
	for _, t := range all {
		if t.ID == taskID {
			continue
		}
		if _, dup := existing[t.ID]; dup {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Prerequisites returns the direct prerequisite ids of a task.
func (o *Overlay) Prerequisites(taskID string) []string {
	return append([]string(nil), o.prereqs[taskID]...)
}

// Order returns a topological ordering of all task ids, prerequisites first,
// or an error if the graph already contains a cycle.
func (o *Overlay) Order() ([]string, error) {
	var edges []toposort.Edge
	for taskID, prereqs := range o.prereqs {
		if len(prereqs) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, prereqID := range prereqs {
			edges = append(edges, toposort.Edge{prereqID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// reaches reports whether from can transitively reach target over
// depends-on edges, using an iterative depth-first search.
func (o *Overlay) reaches(from, target string) bool {
	seen := make(map[string]struct{})
	stack := []string{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == target {
			return true
		}
		if _, done := seen[current]; done {
			continue
		}
		seen[current] = struct{}{}
		stack = append(stack, o.prereqs[current]...)
	}
	return false
}
