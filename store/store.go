// Package store holds the canonical client-side task collection. Only the
// mutation pipeline and the reconciliation loop write to it; projections and
// other consumers read.
package store

import (
	"sync"

	"boardsync/domain"
)

// PendingState tracks the in-flight mutation state of a single task.
type PendingState int

const (
	// Idle means no mutation is outstanding for the task.
	Idle PendingState = iota
	// Pending means an optimistic apply is awaiting server confirmation.
	Pending
	// Reverting means a failed mutation's snapshot is being written back.
	Reverting
)

func (s PendingState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Reverting:
		return "reverting"
	default:
		return "idle"
	}
}

// Subscriber is notified synchronously after every store change.
type Subscriber func()

// TaskStore is the single source of truth for the current task list.
type TaskStore struct {
	mu      sync.RWMutex
	order   []string
	tasks   map[string]domain.Task
	pending map[string]PendingState
	subs    []Subscriber
}

// New creates an empty TaskStore.
func New() *TaskStore {
	return &TaskStore{
		tasks:   make(map[string]domain.Task),
		pending: make(map[string]PendingState),
	}
}

// Subscribe registers a consumer notified synchronously after each change.
func (s *TaskStore) Subscribe(fn Subscriber) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Load replaces the entire collection. Pending markers are cleared: a full
// load only happens when no optimistic state needs preserving.
func (s *TaskStore) Load(tasks []domain.Task) {
	s.mu.Lock()
	s.order = s.order[:0]
	s.tasks = make(map[string]domain.Task, len(tasks))
	s.pending = make(map[string]PendingState)
	for _, t := range tasks {
		if _, dup := s.tasks[t.ID]; dup {
			continue
		}
		s.order = append(s.order, t.ID)
		s.tasks[t.ID] = t.Clone()
	}
	s.mu.Unlock()
	s.notify()
}

// Replace swaps in a freshly fetched collection while preserving tasks with
// an outstanding mutation: their local copy wins until the mutation settles,
// and pending tasks absent from the new list, such as optimistic creates,
// are kept at the end.
func (s *TaskStore) Replace(tasks []domain.Task) {
	s.mu.Lock()
	fresh := make(map[string]domain.Task, len(tasks))
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, dup := fresh[t.ID]; dup {
			continue
		}
		if s.pending[t.ID] != Idle {
			fresh[t.ID] = s.tasks[t.ID]
		} else {
			fresh[t.ID] = t.Clone()
		}
		order = append(order, t.ID)
	}
	for id := range s.pending {
		if _, ok := fresh[id]; ok {
			continue
		}
		if local, ok := s.tasks[id]; ok {
			fresh[id] = local
			order = append(order, id)
		}
	}
	s.order = order
	s.tasks = fresh
	s.mu.Unlock()
	s.notify()
}

// Upsert inserts or replaces a task by id.
func (s *TaskStore) Upsert(task domain.Task) {
	s.mu.Lock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	s.mu.Unlock()
	s.notify()
}

// Remove deletes a task and strips references to it from the dependency view
// of every remaining task. Server-side edge deletion is the pipeline's job.
func (s *TaskStore) Remove(id string) {
	s.mu.Lock()
	if _, ok := s.tasks[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, id)
	delete(s.pending, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for tid, t := range s.tasks {
		kept := t.Dependencies[:0]
		for _, e := range t.Dependencies {
			if e.PrerequisiteID != id {
				kept = append(kept, e)
			}
		}
		if len(kept) != len(t.Dependencies) {
			t.Dependencies = kept
			s.tasks[tid] = t
		}
	}
	s.mu.Unlock()
	s.notify()
}

// Get returns a copy of the task and whether it exists.
func (s *TaskStore) Get(id string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// All returns copies of all tasks in insertion order.
func (s *TaskStore) All() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// Len returns the number of tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// State returns the pending state for a task id.
func (s *TaskStore) State(id string) PendingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending[id]
}

// SetState transitions a task's pending state. Idle removes the marker.
func (s *TaskStore) SetState(id string, state PendingState) {
	s.mu.Lock()
	if state == Idle {
		delete(s.pending, id)
	} else {
		s.pending[id] = state
	}
	s.mu.Unlock()
}

// PendingIDs returns the ids of tasks with an outstanding mutation.
func (s *TaskStore) PendingIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

func (s *TaskStore) notify() {
	s.mu.RLock()
	subs := append([]Subscriber(nil), s.subs...)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn()
	}
}
