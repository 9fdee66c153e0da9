// Package pipeline wraps every state-changing board action in an optimistic
// apply / confirm-or-revert protocol: the store is updated immediately, the
// request is fired in the background, and on failure the pre-mutation
// snapshot is written back. At every observable instant the store holds
// either the pre-mutation or the post-confirmation state of a task.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/client"
	"boardsync/domain"
	"boardsync/graph"
	"boardsync/store"
)

// ErrUnknownTask is returned when a mutation addresses a task id not present
// in the store.
var ErrUnknownTask = errors.New("unknown task")

// API is the slice of the REST client the pipeline depends on.
type API interface {
	Preflight(ctx context.Context) error
	CreateTask(ctx context.Context, task domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, task domain.Task) (domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	AddSubtask(ctx context.Context, taskID, title string) (domain.Task, error)
	UpdateSubtask(ctx context.Context, taskID string, subtask domain.Subtask) (domain.Task, error)
	DeleteSubtask(ctx context.Context, taskID, subtaskID string) (domain.Task, error)
	AddDependency(ctx context.Context, taskID, prerequisiteID string) (domain.Task, error)
	RemoveDependency(ctx context.Context, taskID, edgeID string) (domain.Task, error)
	CommentCount(ctx context.Context, taskID string) (int, error)
}

// Notification is a user-visible transient message.
type Notification struct {
	TaskID  string
	Message string
	Err     error
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Config bundles the pipeline's collaborators.
type Config struct {
	Store    *store.TaskStore
	API      API
	Notifier Notifier
	Logger   *log.Logger
}

// Pipeline executes mutations against the task store and the REST API.
type Pipeline struct {
	store    *store.TaskStore
	api      API
	notifier Notifier
	logger   *log.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New creates a Pipeline. Store and API are required.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if cfg.API == nil {
		return nil, errors.New("pipeline: api is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New()
	}
	return &Pipeline{
		store:    cfg.Store,
		api:      cfg.API,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// Close stops the pipeline from writing into the store. In-flight requests
// still settle but their late callbacks become no-ops.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Wait blocks until all in-flight mutations have settled. Intended for tests
// and orderly teardown.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

func (p *Pipeline) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// preflight aborts a mutation before any optimistic apply when no auth token
// can be obtained. Nothing was applied, so nothing needs reverting.
func (p *Pipeline) preflight(ctx context.Context, taskID string) error {
	if err := p.api.Preflight(ctx); err != nil {
		p.notify(Notification{TaskID: taskID, Message: messageFor("authorization", err), Err: err})
		return err
	}
	return nil
}

// MoveStatus handles a drag-and-drop column change. A second drop on a task
// whose previous move is still in flight is ignored so overlapping status
// writes cannot race.
func (p *Pipeline) MoveStatus(ctx context.Context, id string, status domain.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status %q", status)
	}
	if p.store.State(id) != store.Idle {
		p.logger.WithFields(log.Fields{"task": id}).Debug("drop ignored, mutation in flight")
		return nil
	}
	snapshot, ok := p.store.Get(id)
	if !ok {
		return ErrUnknownTask
	}
	if snapshot.Status == status {
		return nil
	}
	if err := p.preflight(ctx, id); err != nil {
		return err
	}

	optimistic := snapshot.Clone()
	optimistic.Status = status
	p.applyOptimistic(optimistic)

	p.settle(ctx, snapshot, "status move", func(ctx context.Context) (domain.Task, error) {
		return p.api.UpdateStatus(ctx, id, status)
	})
	return nil
}

// EditTask saves a full task edit.
func (p *Pipeline) EditTask(ctx context.Context, task domain.Task) error {
	snapshot, ok := p.store.Get(task.ID)
	if !ok {
		return ErrUnknownTask
	}
	if err := p.preflight(ctx, task.ID); err != nil {
		return err
	}

	p.applyOptimistic(task)
	p.settle(ctx, snapshot, "task edit", func(ctx context.Context) (domain.Task, error) {
		return p.api.UpdateTask(ctx, task)
	})
	return nil
}

// CreateTask inserts a draft optimistically under a temporary id and swaps in
// the server's representation, including the assigned id, on confirmation.
func (p *Pipeline) CreateTask(ctx context.Context, draft domain.Task) error {
	if strings.TrimSpace(draft.Title) == "" {
		return errors.New("task title is required")
	}
	if err := p.preflight(ctx, ""); err != nil {
		return err
	}
	tempID := "tmp-" + uuid.NewString()
	optimistic := draft.Clone()
	optimistic.ID = tempID
	p.applyOptimistic(optimistic)

	p.run(func() {
		created, err := p.api.CreateTask(ctx, draft)
		if !p.alive() {
			return
		}
		if err != nil {
			p.store.SetState(tempID, store.Reverting)
			p.store.Remove(tempID)
			p.fail(tempID, "create task", err)
			return
		}
		p.store.Remove(tempID)
		p.store.Upsert(created)
	})
	return nil
}

// DeleteTask removes a task optimistically and restores it if the server
// refuses. The store strips the dependency view; the server deletes the
// edges on its side.
func (p *Pipeline) DeleteTask(ctx context.Context, id string) error {
	snapshot, ok := p.store.Get(id)
	if !ok {
		return ErrUnknownTask
	}
	if err := p.preflight(ctx, id); err != nil {
		return err
	}
	p.store.Remove(id)

	p.run(func() {
		err := p.api.DeleteTask(ctx, id)
		if !p.alive() {
			return
		}
		if err != nil {
			p.store.Upsert(snapshot)
			p.fail(id, "delete task", err)
		}
	})
	return nil
}

// AddDependency validates the edge client-side, applies it optimistically and
// lets the server assign the edge id on confirmation. Validation failures
// surface before any network traffic.
func (p *Pipeline) AddDependency(ctx context.Context, taskID, prerequisiteID string) error {
	snapshot, ok := p.store.Get(taskID)
	if !ok {
		return ErrUnknownTask
	}

	overlay := graph.Build(p.store.All())
	if err := overlay.ValidateEdge(taskID, prerequisiteID); err != nil {
		p.notify(Notification{TaskID: taskID, Message: err.Error(), Err: err})
		return err
	}
	if err := p.preflight(ctx, taskID); err != nil {
		return err
	}

	optimistic := snapshot.Clone()
	optimistic.Dependencies = append(optimistic.Dependencies, domain.Edge{PrerequisiteID: prerequisiteID})
	p.applyOptimistic(optimistic)

	p.settle(ctx, snapshot, "add dependency", func(ctx context.Context) (domain.Task, error) {
		return p.api.AddDependency(ctx, taskID, prerequisiteID)
	})
	return nil
}

// RemoveDependency deletes an edge by its own id.
func (p *Pipeline) RemoveDependency(ctx context.Context, taskID, edgeID string) error {
	snapshot, ok := p.store.Get(taskID)
	if !ok {
		return ErrUnknownTask
	}

	if err := p.preflight(ctx, taskID); err != nil {
		return err
	}

	optimistic := snapshot.Clone()
	kept := optimistic.Dependencies[:0]
	found := false
	for _, e := range optimistic.Dependencies {
		if e.EdgeID == edgeID {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return fmt.Errorf("dependency edge %q not found on task %q", edgeID, taskID)
	}
	optimistic.Dependencies = kept
	p.applyOptimistic(optimistic)

	p.settle(ctx, snapshot, "remove dependency", func(ctx context.Context) (domain.Task, error) {
		return p.api.RemoveDependency(ctx, taskID, edgeID)
	})
	return nil
}

// AddSubtask appends a subtask optimistically; the server assigns its id.
func (p *Pipeline) AddSubtask(ctx context.Context, taskID, title string) error {
	if strings.TrimSpace(title) == "" {
		return errors.New("subtask title is required")
	}
	snapshot, ok := p.store.Get(taskID)
	if !ok {
		return ErrUnknownTask
	}

	if err := p.preflight(ctx, taskID); err != nil {
		return err
	}

	optimistic := snapshot.Clone()
	optimistic.Subtasks = append(optimistic.Subtasks, domain.Subtask{Title: title})
	optimistic.Progress = optimistic.DerivedProgress()
	p.applyOptimistic(optimistic)

	p.settle(ctx, snapshot, "add subtask", func(ctx context.Context) (domain.Task, error) {
		return p.api.AddSubtask(ctx, taskID, title)
	})
	return nil
}

// DeleteSubtask removes a subtask optimistically.
func (p *Pipeline) DeleteSubtask(ctx context.Context, taskID, subtaskID string) error {
	snapshot, ok := p.store.Get(taskID)
	if !ok {
		return ErrUnknownTask
	}

	if err := p.preflight(ctx, taskID); err != nil {
		return err
	}

	optimistic := snapshot.Clone()
	kept := optimistic.Subtasks[:0]
	found := false
	for _, st := range optimistic.Subtasks {
		if st.ID == subtaskID {
			found = true
			continue
		}
		kept = append(kept, st)
	}
	if !found {
		return fmt.Errorf("subtask %q not found on task %q", subtaskID, taskID)
	}
	optimistic.Subtasks = kept
	optimistic.Progress = optimistic.DerivedProgress()
	p.applyOptimistic(optimistic)

	p.settle(ctx, snapshot, "delete subtask", func(ctx context.Context) (domain.Task, error) {
		return p.api.DeleteSubtask(ctx, taskID, subtaskID)
	})
	return nil
}

// ToggleSubtask flips a subtask's completion. The toggle is persisted as its
// own write, progress is recomputed from the subtask list, and when the
// recomputed value differs from the stored one a second tracked write
// persists the new progress.
func (p *Pipeline) ToggleSubtask(ctx context.Context, taskID, subtaskID string) error {
	snapshot, ok := p.store.Get(taskID)
	if !ok {
		return ErrUnknownTask
	}

	if err := p.preflight(ctx, taskID); err != nil {
		return err
	}

	optimistic := snapshot.Clone()
	var toggled *domain.Subtask
	for i := range optimistic.Subtasks {
		if optimistic.Subtasks[i].ID == subtaskID {
			optimistic.Subtasks[i].Completed = !optimistic.Subtasks[i].Completed
			toggled = &optimistic.Subtasks[i]
			break
		}
	}
	if toggled == nil {
		return fmt.Errorf("subtask %q not found on task %q", subtaskID, taskID)
	}
	sub := *toggled
	optimistic.Progress = optimistic.DerivedProgress()
	p.applyOptimistic(optimistic)

	p.run(func() {
		confirmed, err := p.api.UpdateSubtask(ctx, taskID, sub)
		if !p.alive() {
			return
		}
		if err != nil {
			p.revert(snapshot)
			p.fail(taskID, "toggle subtask", err)
			return
		}

		// The server's stored progress may predate the toggle; the derived
		// value wins and is persisted as a separate tracked write.
		derived := confirmed.DerivedProgress()
		if derived == confirmed.Progress {
			p.confirm(confirmed)
			return
		}
		intermediate := confirmed.Clone()
		intermediate.Progress = derived
		p.store.Upsert(intermediate)

		persisted, err := p.api.UpdateTask(ctx, intermediate)
		if !p.alive() {
			return
		}
		if err != nil {
			// The toggle itself is confirmed; only the progress write
			// rolls back to its own pre-mutation state.
			p.confirm(confirmed)
			p.fail(taskID, "persist progress", err)
			return
		}
		p.confirm(persisted)
	})
	return nil
}

// ApplyLocal upserts a task without network traffic, for mutations already
// confirmed by a prior step.
func (p *Pipeline) ApplyLocal(task domain.Task) {
	p.store.Upsert(task)
}

// RefreshCommentCount pulls the comment count for a task and folds it into
// the stored record as a local-only update.
func (p *Pipeline) RefreshCommentCount(ctx context.Context, taskID string) error {
	task, ok := p.store.Get(taskID)
	if !ok {
		return ErrUnknownTask
	}
	count, err := p.api.CommentCount(ctx, taskID)
	if err != nil {
		return err
	}
	if !p.alive() || count == task.CommentCount {
		return nil
	}
	task.CommentCount = count
	p.store.Upsert(task)
	return nil
}

// applyOptimistic writes the locally computed state and marks the task
// pending.
func (p *Pipeline) applyOptimistic(task domain.Task) {
	p.store.Upsert(task)
	p.store.SetState(task.ID, store.Pending)
}

// settle runs the network leg of a mutation and reconciles its outcome.
func (p *Pipeline) settle(ctx context.Context, snapshot domain.Task, action string, send func(context.Context) (domain.Task, error)) {
	p.run(func() {
		confirmed, err := send(ctx)
		if !p.alive() {
			return
		}
		if err != nil {
			p.revert(snapshot)
			p.fail(snapshot.ID, action, err)
			return
		}
		p.confirm(confirmed)
	})
}

func (p *Pipeline) run(fn func()) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		fn()
	}()
}

// confirm writes the server's normalized representation and clears pending.
func (p *Pipeline) confirm(task domain.Task) {
	p.store.Upsert(task)
	p.store.SetState(task.ID, store.Idle)
}

// revert writes the pre-mutation snapshot back and clears pending.
func (p *Pipeline) revert(snapshot domain.Task) {
	p.store.SetState(snapshot.ID, store.Reverting)
	p.store.Upsert(snapshot)
	p.store.SetState(snapshot.ID, store.Idle)
}

func (p *Pipeline) fail(taskID, action string, err error) {
	p.logger.WithFields(log.Fields{"task": taskID, "action": action}).WithError(err).Warn("mutation failed, reverted")
	p.notify(Notification{TaskID: taskID, Message: messageFor(action, err), Err: err})
}

func (p *Pipeline) notify(n Notification) {
	if p.notifier != nil {
		p.notifier.Notify(n)
	}
}

// messageFor maps an error to its user-facing text: server-provided messages
// verbatim, everything else a generic fallback.
func messageFor(action string, err error) string {
	var srvErr *client.ServerError
	if errors.As(err, &srvErr) && srvErr.Message != "" {
		return srvErr.Message
	}
	if errors.Is(err, client.ErrMissingAuth) {
		return "your session has expired, please sign in again"
	}
	return fmt.Sprintf("could not complete %s, your change was undone", action)
}
