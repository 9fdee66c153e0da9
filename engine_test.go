package boardsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/board"
	"boardsync/bus"
	"boardsync/domain"
)

type fakeBackend struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func (f *fakeBackend) Preflight(context.Context) error { return nil }

func (f *fakeBackend) CreateTask(_ context.Context, task domain.Task) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task.ID = "srv-" + task.Title
	f.tasks = append(f.tasks, task)
	return task, nil
}

func (f *fakeBackend) UpdateTask(_ context.Context, task domain.Task) (domain.Task, error) {
	return task, nil
}

func (f *fakeBackend) UpdateStatus(_ context.Context, id string, status domain.Status) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks[i].Status = status
			return f.tasks[i], nil
		}
	}
	return domain.Task{ID: id, Status: status, Priority: domain.PriorityLow}, nil
}

func (f *fakeBackend) DeleteTask(context.Context, string) error { return nil }

func (f *fakeBackend) AddSubtask(_ context.Context, taskID, title string) (domain.Task, error) {
	return domain.Task{ID: taskID}, nil
}

func (f *fakeBackend) UpdateSubtask(_ context.Context, taskID string, sub domain.Subtask) (domain.Task, error) {
	return domain.Task{ID: taskID, Subtasks: []domain.Subtask{sub}}, nil
}

func (f *fakeBackend) DeleteSubtask(_ context.Context, taskID, _ string) (domain.Task, error) {
	return domain.Task{ID: taskID}, nil
}

func (f *fakeBackend) AddDependency(_ context.Context, taskID, prereqID string) (domain.Task, error) {
	return domain.Task{ID: taskID, Dependencies: []domain.Edge{{EdgeID: "e", PrerequisiteID: prereqID}}}, nil
}

func (f *fakeBackend) RemoveDependency(_ context.Context, taskID, _ string) (domain.Task, error) {
	return domain.Task{ID: taskID}, nil
}

func (f *fakeBackend) CommentCount(context.Context, string) (int, error) { return 0, nil }

func (f *fakeBackend) WorkspaceTasks(context.Context, string) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Task, len(f.tasks))
	copy(out, f.tasks)
	return out, nil
}

func newEngine(t *testing.T, backend *fakeBackend) *Engine {
	t.Helper()
	logger, _ := test.NewNullLogger()
	e, err := New(Config{
		Backend:         backend,
		WorkspaceID:     "ws-1",
		Logger:          logger,
		RefreshInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestEngineStartLoadsBoard(t *testing.T) {
	backend := &fakeBackend{tasks: []domain.Task{
		{ID: "a", Title: "one", Status: domain.StatusTodo, Priority: domain.PriorityLow},
		{ID: "b", Title: "two", Status: domain.StatusDone, Priority: domain.PriorityLow},
	}}
	e := newEngine(t, backend)
	defer e.Close()

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	cols := e.Board(board.GroupByStatus)
	if len(cols) != 4 {
		t.Fatalf("expected 4 status columns, got %d", len(cols))
	}
	if len(cols[0].Tasks) != 1 || len(cols[3].Tasks) != 1 {
		t.Fatalf("board projection wrong: %+v", cols)
	}
}

func TestEngineDuplicateSignalCreatesTask(t *testing.T) {
	backend := &fakeBackend{tasks: []domain.Task{
		{ID: "a", Title: "original", Description: "details", Status: domain.StatusDone,
			Priority: domain.PriorityHigh, Tags: []string{"infra"}},
	}}
	e := newEngine(t, backend)
	defer e.Close()

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Duplicate("a"); err != nil {
		t.Fatalf("duplicate: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := e.Store.Get("srv-original (copy)"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("duplicate signal never produced a task")
		case <-time.After(5 * time.Millisecond):
		}
	}

	copyTask, _ := e.Store.Get("srv-original (copy)")
	if copyTask.Status != domain.StatusTodo {
		t.Fatalf("duplicate must land in todo, got %q", copyTask.Status)
	}
	if copyTask.Priority != domain.PriorityHigh || copyTask.Description != "details" {
		t.Fatalf("prefill lost: %+v", copyTask)
	}
}

func TestEngineRelaysOpenCreateSignal(t *testing.T) {
	backend := &fakeBackend{}
	e := newEngine(t, backend)
	defer e.Close()

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ui := e.Bus.Subscribe(1)
	e.Bus.Publish(bus.OpenCreateTask{DefaultStatus: domain.StatusReview})

	select {
	case sig := <-ui:
		open, ok := sig.(bus.OpenCreateTask)
		if !ok || open.DefaultStatus != domain.StatusReview {
			t.Fatalf("wrong signal: %#v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("signal not relayed to subscriber")
	}
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	e := newEngine(t, backend)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Close()
	e.Close()
}
