package wire

import (
	"strings"
	"testing"
	"time"

	"boardsync/domain"
)

func TestDecodeTaskNormalizesEnumsAndDates(t *testing.T) {
	body := []byte(`{
		"id": "t1",
		"title": "Ship it",
		"status": "IN_PROGRESS",
		"priority": "CRITICAL",
		"start_date": "2026-01-05",
		"due_date": "2026-02-01",
		"progress": 130
	}`)

	task, err := DecodeTask(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Status != domain.StatusInProgress {
		t.Fatalf("status = %q", task.Status)
	}
	if task.Priority != domain.PriorityCritical {
		t.Fatalf("priority = %q", task.Priority)
	}
	if task.StartDate == nil || task.StartDate.Format("2006-01-02") != "2026-01-05" {
		t.Fatalf("start date = %v", task.StartDate)
	}
	if task.Progress != 100 {
		t.Fatalf("progress not clamped: %d", task.Progress)
	}
}

func TestDecodeTaskUnknownEnumFallsBack(t *testing.T) {
	task, err := DecodeTask([]byte(`{"id":"t1","title":"x","status":"BANANA","priority":"WAT"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Status != domain.StatusTodo || task.Priority != domain.PriorityMedium {
		t.Fatalf("fallbacks not applied: %q %q", task.Status, task.Priority)
	}
}

func TestDependencyShapePolymorphism(t *testing.T) {
	body := []byte(`{
		"id": "t1",
		"title": "x",
		"status": "TODO",
		"priority": "LOW",
		"dependencies": [
			"t9",
			{"id": "edge-1", "depends_on_task_id": "t2"},
			{"id": "edge-2", "task": {"id": "t3"}}
		]
	}`)

	task, err := DecodeTask(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []domain.Edge{
		{PrerequisiteID: "t9"},
		{EdgeID: "edge-1", PrerequisiteID: "t2"},
		{EdgeID: "edge-2", PrerequisiteID: "t3"},
	}
	if len(task.Dependencies) != len(want) {
		t.Fatalf("got %d edges", len(task.Dependencies))
	}
	for i, e := range task.Dependencies {
		if e != want[i] {
			t.Fatalf("edge %d = %+v, want %+v", i, e, want[i])
		}
	}
}

func TestEncodeTaskEgressShape(t *testing.T) {
	due := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	task := domain.Task{
		ID:       "t1",
		Title:    "Ship it",
		Status:   domain.StatusReview,
		Priority: domain.PriorityHigh,
		DueDate:  &due,
	}

	data, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, `"status":"REVIEW"`) {
		t.Fatalf("status not upper-cased: %s", body)
	}
	if !strings.Contains(body, `"priority":"HIGH"`) {
		t.Fatalf("priority not upper-cased: %s", body)
	}
	if !strings.Contains(body, `"due_date":"2026-03-15"`) {
		t.Fatalf("due date not snake_case: %s", body)
	}
}

func TestDecodeTaskListRoundTrip(t *testing.T) {
	tasks, err := DecodeTaskList([]byte(`[{"id":"a","title":"a","status":"DONE","priority":"LOW"},{"id":"b","title":"b","status":"TODO","priority":"HIGH"}]`))
	if err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Status != domain.StatusDone || tasks[1].Priority != domain.PriorityHigh {
		t.Fatalf("unexpected list: %+v", tasks)
	}
}
