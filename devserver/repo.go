package devserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"boardsync/domain"
	"boardsync/graph"
)

// ErrNotFound is returned when an addressed task, subtask or edge is missing.
var ErrNotFound = fmt.Errorf("not found")

// ValidationError carries a message the API surfaces verbatim with a 422.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Comment is a minimal comment record; the sync engine only counts them.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Repo holds the dev server's task state per workspace. It is the final
// authority on dependency invariants: a cycle or duplicate edge that slips
// past a client is still rejected here.
type Repo struct {
	mu          sync.RWMutex
	tasks       map[string]domain.Task
	order       []string
	workspaceOf map[string]string
	comments    map[string][]Comment
}

// NewRepo creates an empty repository.
func NewRepo() *Repo {
	return &Repo{
		tasks:       make(map[string]domain.Task),
		workspaceOf: make(map[string]string),
		comments:    make(map[string][]Comment),
	}
}

// Seed inserts tasks with their existing ids into a workspace, for tests and
// local development fixtures.
func (r *Repo) Seed(workspaceID string, tasks []domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if _, ok := r.tasks[t.ID]; !ok {
			r.order = append(r.order, t.ID)
		}
		r.tasks[t.ID] = t.Clone()
		r.workspaceOf[t.ID] = workspaceID
	}
}

// Create stores a new task under a server-assigned id.
func (r *Repo) Create(workspaceID string, t domain.Task) (domain.Task, error) {
	if err := validateTask(t); err != nil {
		return domain.Task{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = uuid.NewString()
	t.Dependencies = nil // edges are created through their own endpoint
	if len(t.Subtasks) > 0 {
		for i := range t.Subtasks {
			t.Subtasks[i].ID = uuid.NewString()
		}
		t.Progress = t.DerivedProgress()
	}
	r.tasks[t.ID] = t.Clone()
	r.order = append(r.order, t.ID)
	r.workspaceOf[t.ID] = workspaceID
	return t, nil
}

// Update replaces the editable fields of a task. Dependencies and comment
// counts are owned by their own endpoints and kept from the stored record.
func (r *Repo) Update(t domain.Task) (domain.Task, error) {
	if err := validateTask(t); err != nil {
		return domain.Task{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tasks[t.ID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	t.Dependencies = stored.Dependencies
	t.CommentCount = len(r.comments[t.ID])
	r.tasks[t.ID] = t.Clone()
	return r.decorate(t), nil
}

// SetStatus moves a task to a new column.
func (r *Repo) SetStatus(id string, status domain.Status) (domain.Task, error) {
	if !status.IsValid() {
		return domain.Task{}, &ValidationError{Msg: fmt.Sprintf("unknown status %q", status)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	t.Status = status
	r.tasks[id] = t
	return r.decorate(t), nil
}

// Delete removes tasks and every edge pointing at them. Unknown ids are
// skipped so bulk deletes are idempotent.
func (r *Repo) Delete(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.tasks[id]; !ok {
			continue
		}
		delete(r.tasks, id)
		delete(r.workspaceOf, id)
		delete(r.comments, id)
		for i, existing := range r.order {
			if existing == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		for tid, t := range r.tasks {
			kept := t.Dependencies[:0]
			for _, e := range t.Dependencies {
				if e.PrerequisiteID != id {
					kept = append(kept, e)
				}
			}
			if len(kept) != len(t.Dependencies) {
				t.Dependencies = kept
				r.tasks[tid] = t
			}
		}
	}
}

// Get returns a task by id.
func (r *Repo) Get(id string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return r.decorate(t), nil
}

// Workspace returns a workspace's tasks in insertion order.
func (r *Repo) Workspace(workspaceID string) []domain.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Task, 0, len(r.order))
	for _, id := range r.order {
		if r.workspaceOf[id] != workspaceID {
			continue
		}
		out = append(out, r.decorate(r.tasks[id]))
	}
	return out
}

// ByAssignee returns the tasks assigned to a user across workspaces.
func (r *Repo) ByAssignee(userID string) []domain.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []domain.Task{}
	for _, id := range r.order {
		t := r.tasks[id]
		if t.Assignee != nil && t.Assignee.ID == userID {
			out = append(out, r.decorate(t))
		}
	}
	return out
}

// AddSubtask appends a subtask and rederives progress.
func (r *Repo) AddSubtask(taskID, title string) (domain.Task, error) {
	if title == "" {
		return domain.Task{}, &ValidationError{Msg: "subtask title is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	t.Subtasks = append(t.Subtasks, domain.Subtask{ID: uuid.NewString(), Title: title})
	t.Progress = t.DerivedProgress()
	r.tasks[taskID] = t
	return r.decorate(t), nil
}

// UpdateSubtask replaces one subtask. Progress is deliberately left as
// stored: persisting the rederived value is the client's follow-up write.
func (r *Repo) UpdateSubtask(taskID string, sub domain.Subtask) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == sub.ID {
			t.Subtasks[i] = sub
			r.tasks[taskID] = t
			return r.decorate(t), nil
		}
	}
	return domain.Task{}, ErrNotFound
}

// DeleteSubtask removes a subtask and rederives progress.
func (r *Repo) DeleteSubtask(taskID, subtaskID string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	kept := t.Subtasks[:0]
	found := false
	for _, st := range t.Subtasks {
		if st.ID == subtaskID {
			found = true
			continue
		}
		kept = append(kept, st)
	}
	if !found {
		return domain.Task{}, ErrNotFound
	}
	t.Subtasks = kept
	t.Progress = t.DerivedProgress()
	r.tasks[taskID] = t
	return r.decorate(t), nil
}

// AddEdge creates a dependency edge after re-validating the graph invariants
// against the task's workspace.
func (r *Repo) AddEdge(taskID, prerequisiteID string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	if _, ok := r.tasks[prerequisiteID]; !ok {
		return domain.Task{}, &ValidationError{Msg: "prerequisite task does not exist"}
	}
	if r.workspaceOf[taskID] != r.workspaceOf[prerequisiteID] {
		return domain.Task{}, &ValidationError{Msg: "tasks belong to different workspaces"}
	}

	ws := r.workspaceOf[taskID]
	scope := make([]domain.Task, 0, len(r.order))
	for _, id := range r.order {
		if r.workspaceOf[id] == ws {
			scope = append(scope, r.tasks[id])
		}
	}
	if err := graph.Build(scope).ValidateEdge(taskID, prerequisiteID); err != nil {
		return domain.Task{}, &ValidationError{Msg: err.Error()}
	}

	t.Dependencies = append(t.Dependencies, domain.Edge{EdgeID: uuid.NewString(), PrerequisiteID: prerequisiteID})
	r.tasks[taskID] = t
	return r.decorate(t), nil
}

// RemoveEdge deletes a dependency edge by its own id.
func (r *Repo) RemoveEdge(taskID, edgeID string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	kept := t.Dependencies[:0]
	found := false
	for _, e := range t.Dependencies {
		if e.EdgeID == edgeID {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return domain.Task{}, ErrNotFound
	}
	t.Dependencies = kept
	r.tasks[taskID] = t
	return r.decorate(t), nil
}

// Comments returns a task's comments.
func (r *Repo) Comments(taskID string) ([]Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.tasks[taskID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Comment, len(r.comments[taskID]))
	copy(out, r.comments[taskID])
	return out, nil
}

// AddComment appends a comment, for fixtures.
func (r *Repo) AddComment(taskID string, c Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[taskID]; !ok {
		return ErrNotFound
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.comments[taskID] = append(r.comments[taskID], c)
	return nil
}

// decorate attaches derived counts to a copy of the stored task.
func (r *Repo) decorate(t domain.Task) domain.Task {
	cp := t.Clone()
	cp.CommentCount = len(r.comments[t.ID])
	return cp
}

func validateTask(t domain.Task) error {
	if t.Title == "" {
		return &ValidationError{Msg: "task title is required"}
	}
	if !t.Status.IsValid() {
		return &ValidationError{Msg: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if !t.Priority.IsValid() {
		return &ValidationError{Msg: fmt.Sprintf("unknown priority %q", t.Priority)}
	}
	if t.Progress < 0 || t.Progress > 100 {
		return &ValidationError{Msg: "progress must be between 0 and 100"}
	}
	if t.EstimatedHours < 0 || t.ActualHours < 0 {
		return &ValidationError{Msg: "effort hours must not be negative"}
	}
	return nil
}
