// Package reconcile keeps the task store aligned with the server. The first
// load blocks and surfaces errors; every later refresh is silent, retried
// with backoff, and folded into the store without disturbing tasks that have
// an optimistic mutation in flight.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/store"
)

const defaultInterval = 30 * time.Second

// Source fetches the authoritative task list for a workspace.
type Source interface {
	WorkspaceTasks(ctx context.Context, workspaceID string) ([]domain.Task, error)
}

// Config bundles the loop's collaborators. Store, Source and WorkspaceID are
// required; Snapshot and Interval are optional.
type Config struct {
	Store       *store.TaskStore
	Source      Source
	Snapshot    *store.Snapshot
	Logger      *log.Logger
	WorkspaceID string
	Interval    time.Duration
	MaxRetries  uint64
}

// Loop owns the blocking load and the periodic silent refresh.
type Loop struct {
	store       *store.TaskStore
	source      Source
	snapshot    *store.Snapshot
	logger      *log.Logger
	workspaceID string
	interval    time.Duration
	maxRetries  uint64
	retryBase   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a reconciliation loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("reconcile: source is required")
	}
	if cfg.WorkspaceID == "" {
		return nil, errors.New("reconcile: workspace id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	snapshot := cfg.Snapshot
	if snapshot == nil {
		snapshot = store.NewSnapshot(nil, 0)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &Loop{
		store:       cfg.Store,
		source:      cfg.Source,
		snapshot:    snapshot,
		logger:      logger,
		workspaceID: cfg.WorkspaceID,
		interval:    interval,
		maxRetries:  maxRetries,
	}, nil
}

// Load performs the blocking initial load. A cached snapshot, when present,
// is painted into the store first so the caller renders a warm board while
// the fetch runs. A fetch failure after a warm paint still returns the error;
// the cached data stays in place.
func (l *Loop) Load(ctx context.Context) error {
	if cached, ok := l.snapshot.Load(ctx, l.workspaceID); ok && len(cached) > 0 {
		l.store.Load(cached)
		l.logger.WithField("tasks", len(cached)).Debug("warm start from snapshot")
	}

	tasks, err := l.fetch(ctx)
	if err != nil {
		return err
	}
	l.store.Load(tasks)
	l.snapshot.Save(ctx, l.workspaceID, tasks)
	return nil
}

// Refresh performs one silent reconciliation pass. Errors are logged, never
// surfaced to the user, and leave the store untouched. An empty result
// against a non-empty store is treated as a transient backend glitch and
// skipped rather than wiping local state.
func (l *Loop) Refresh(ctx context.Context) error {
	tasks, err := l.fetch(ctx)
	if err != nil {
		l.logger.WithError(err).Debug("silent refresh failed, keeping local state")
		return err
	}
	if len(tasks) == 0 && l.store.Len() > 0 {
		l.logger.Warn("refresh returned no tasks for a populated board, skipping")
		return nil
	}
	l.store.Replace(tasks)
	l.snapshot.Save(ctx, l.workspaceID, l.store.All())
	return nil
}

// Start launches the periodic refresh loop. Idempotent; Stop tears it down.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	done := make(chan struct{})
	l.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = l.Refresh(ctx)
			}
		}
	}()
}

// Stop cancels the refresh loop and waits for it to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// fetch pulls the workspace task list with bounded exponential backoff.
func (l *Loop) fetch(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	op := func() error {
		var err error
		tasks, err = l.source.WorkspaceTasks(ctx, l.workspaceID)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	if l.retryBase > 0 {
		bo.InitialInterval = l.retryBase
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, l.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return tasks, nil
}
