// Package boardsync composes the task-board synchronization engine: the
// canonical task store, the optimistic mutation pipeline, the background
// reconciliation loop, the board projection and the cross-island signal bus.
package boardsync

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/bus"
	"boardsync/domain"
	"boardsync/pipeline"
	"boardsync/reconcile"
	"boardsync/store"
)

// Backend is the API surface the engine needs from the REST client.
type Backend interface {
	pipeline.API
	reconcile.Source
}

// Config bundles the engine's collaborators. Backend and WorkspaceID are
// required.
type Config struct {
	Backend         Backend
	WorkspaceID     string
	Logger          *log.Logger
	Notifier        pipeline.Notifier
	Snapshot        *store.Snapshot
	RefreshInterval time.Duration
}

// Engine is a per-session task board. One goroutine drains the signal bus so
// duplicate-task broadcasts turn into create mutations.
type Engine struct {
	Store    *store.TaskStore
	Pipeline *pipeline.Pipeline
	Loop     *reconcile.Loop
	Bus      *bus.Bus

	logger *log.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	drained chan struct{}
}

// New assembles an engine. Call Start to load the board and begin refreshing.
func New(cfg Config) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, errors.New("boardsync: backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New()
	}

	st := store.New()
	p, err := pipeline.New(pipeline.Config{
		Store:    st,
		API:      cfg.Backend,
		Notifier: cfg.Notifier,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	loop, err := reconcile.New(reconcile.Config{
		Store:       st,
		Source:      cfg.Backend,
		Snapshot:    cfg.Snapshot,
		Logger:      logger,
		WorkspaceID: cfg.WorkspaceID,
		Interval:    cfg.RefreshInterval,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		Store:    st,
		Pipeline: p,
		Loop:     loop,
		Bus:      bus.New(),
		logger:   logger,
	}, nil
}

// Start blocks on the initial board load, then begins the periodic silent
// refresh and the bus drain. Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if err := e.Loop.Load(ctx); err != nil {
		return err
	}
	e.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.drained = make(chan struct{})
	e.Loop.Start(runCtx)

	signals := e.Bus.Subscribe(0)
	go e.drain(runCtx, signals, e.drained)
	return nil
}

// Close tears the engine down: the refresh loop stops, in-flight mutations
// settle without writing, and the bus closes.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel, drained := e.cancel, e.drained
	e.cancel, e.drained = nil, nil
	started := e.started
	e.started = false
	e.mu.Unlock()

	e.Bus.Close()
	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	e.Loop.Stop()
	e.Pipeline.Close()
	e.Pipeline.Wait()
	if drained != nil {
		<-drained
	}
}

// Board projects the current store contents into ordered columns.
func (e *Engine) Board(groupBy board.GroupBy) []board.Column {
	return board.Project(e.Store.All(), groupBy)
}

// Duplicate broadcasts a duplicate-task signal prefilled from an existing
// task. The engine's own drain loop turns it into a create mutation.
func (e *Engine) Duplicate(taskID string) error {
	t, ok := e.Store.Get(taskID)
	if !ok {
		return pipeline.ErrUnknownTask
	}
	e.Bus.Publish(bus.DuplicateTask{
		Title:       t.Title + " (copy)",
		Description: t.Description,
		Priority:    t.Priority,
		ProjectID:   projectID(t),
		Tags:        append([]string(nil), t.Tags...),
	})
	return nil
}

// drain turns bus signals into engine actions until the bus or context ends.
func (e *Engine) drain(ctx context.Context, signals <-chan bus.Signal, drained chan<- struct{}) {
	defer close(drained)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			switch s := sig.(type) {
			case bus.DuplicateTask:
				draft := domain.Task{
					Title:       s.Title,
					Description: s.Description,
					Status:      domain.StatusTodo,
					Priority:    s.Priority,
					Tags:        s.Tags,
				}
				if s.ProjectID != "" {
					if ref := e.projectRef(s.ProjectID); ref != nil {
						draft.Project = ref
					}
				}
				if err := e.Pipeline.CreateTask(ctx, draft); err != nil {
					e.logger.WithError(err).Warn("duplicate signal dropped")
				}
			case bus.OpenCreateTask:
				// UI concern; the engine only relays it to other subscribers.
			}
		}
	}
}

// projectRef resolves a project reference from any stored task.
func (e *Engine) projectRef(projectID string) *domain.ProjectRef {
	for _, t := range e.Store.All() {
		if t.Project != nil && t.Project.ID == projectID {
			ref := *t.Project
			return &ref
		}
	}
	return nil
}

func projectID(t domain.Task) string {
	if t.Project == nil {
		return ""
	}
	return t.Project.ID
}
