// Package wire translates between the Task REST API's representation and the
// normalized client shape. The API speaks upper-case enum strings and
// snake_case date fields; everything downstream of this package sees only
// domain values.
package wire

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"boardsync/domain"
)

const dateLayout = "2006-01-02"

// TaskPayload is the task representation the server sends and accepts.
type TaskPayload struct {
	ID              string              `json:"id,omitempty"`
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	Status          string              `json:"status"`
	Priority        string              `json:"priority"`
	Assignee        *UserPayload        `json:"assignee,omitempty"`
	Project         *ProjectPayload     `json:"project,omitempty"`
	Sprint          string              `json:"sprint,omitempty"`
	StartDate       string              `json:"start_date,omitempty"`
	DueDate         string              `json:"due_date,omitempty"`
	EstimatedHours  float64             `json:"estimated_hours,omitempty"`
	ActualHours     float64             `json:"actual_hours,omitempty"`
	Progress        int                 `json:"progress"`
	Tags            []string            `json:"tags,omitempty"`
	Subtasks        []SubtaskPayload    `json:"subtasks,omitempty"`
	Dependencies    []DependencyPayload `json:"dependencies,omitempty"`
	AttachmentCount int                 `json:"attachment_count,omitempty"`
	CommentCount    int                 `json:"comment_count,omitempty"`
}

// UserPayload mirrors domain.UserRef on the wire.
type UserPayload struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ProjectPayload mirrors domain.ProjectRef on the wire.
type ProjectPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// SubtaskPayload mirrors domain.Subtask on the wire.
type SubtaskPayload struct {
	ID        string `json:"id,omitempty"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// DependencyPayload absorbs the API's dependency shape polymorphism: some
// code paths return bare prerequisite ids, others nested edge objects. It
// always marshals as the full object form.
type DependencyPayload struct {
	EdgeID         string `json:"id,omitempty"`
	PrerequisiteID string `json:"depends_on_task_id"`
}

type dependencyObject struct {
	ID              string `json:"id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
	Task            *struct {
		ID string `json:"id"`
	} `json:"task,omitempty"`
}

// UnmarshalJSON accepts either a bare task id string or an edge object.
func (d *DependencyPayload) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var id string
		if err := sonic.Unmarshal(data, &id); err != nil {
			return err
		}
		d.EdgeID = ""
		d.PrerequisiteID = id
		return nil
	}
	var obj dependencyObject
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return err
	}
	d.EdgeID = obj.ID
	d.PrerequisiteID = obj.DependsOnTaskID
	if d.PrerequisiteID == "" && obj.Task != nil {
		d.PrerequisiteID = obj.Task.ID
	}
	if d.PrerequisiteID == "" {
		return fmt.Errorf("dependency payload missing prerequisite task id: %s", trimmed)
	}
	return nil
}

// ToDomain flattens dates, lower-cases enums and normalizes dependency edges.
func (p TaskPayload) ToDomain() domain.Task {
	task := domain.Task{
		ID:              p.ID,
		Title:           p.Title,
		Description:     p.Description,
		Status:          domain.ParseStatus(p.Status),
		Priority:        domain.ParsePriority(p.Priority),
		Sprint:          p.Sprint,
		EstimatedHours:  p.EstimatedHours,
		ActualHours:     p.ActualHours,
		Progress:        clampProgress(p.Progress),
		Tags:            append([]string(nil), p.Tags...),
		AttachmentCount: p.AttachmentCount,
		CommentCount:    p.CommentCount,
	}
	if p.Assignee != nil {
		task.Assignee = &domain.UserRef{ID: p.Assignee.ID, Name: p.Assignee.Name}
	}
	if p.Project != nil {
		task.Project = &domain.ProjectRef{ID: p.Project.ID, Name: p.Project.Name, Color: p.Project.Color}
	}
	task.StartDate = parseDate(p.StartDate)
	task.DueDate = parseDate(p.DueDate)
	for _, sp := range p.Subtasks {
		task.Subtasks = append(task.Subtasks, domain.Subtask{ID: sp.ID, Title: sp.Title, Completed: sp.Completed})
	}
	for _, dp := range p.Dependencies {
		task.Dependencies = append(task.Dependencies, domain.Edge{EdgeID: dp.EdgeID, PrerequisiteID: dp.PrerequisiteID})
	}
	return task
}

// FromDomain converts a task back to the wire shape for egress.
func FromDomain(t domain.Task) TaskPayload {
	p := TaskPayload{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          strings.ToUpper(string(t.Status)),
		Priority:        strings.ToUpper(string(t.Priority)),
		Sprint:          t.Sprint,
		EstimatedHours:  t.EstimatedHours,
		ActualHours:     t.ActualHours,
		Progress:        t.Progress,
		Tags:            append([]string(nil), t.Tags...),
		AttachmentCount: t.AttachmentCount,
		CommentCount:    t.CommentCount,
	}
	if t.Assignee != nil {
		p.Assignee = &UserPayload{ID: t.Assignee.ID, Name: t.Assignee.Name}
	}
	if t.Project != nil {
		p.Project = &ProjectPayload{ID: t.Project.ID, Name: t.Project.Name, Color: t.Project.Color}
	}
	if t.StartDate != nil {
		p.StartDate = t.StartDate.Format(dateLayout)
	}
	if t.DueDate != nil {
		p.DueDate = t.DueDate.Format(dateLayout)
	}
	for _, st := range t.Subtasks {
		p.Subtasks = append(p.Subtasks, SubtaskPayload{ID: st.ID, Title: st.Title, Completed: st.Completed})
	}
	for _, e := range t.Dependencies {
		p.Dependencies = append(p.Dependencies, DependencyPayload{EdgeID: e.EdgeID, PrerequisiteID: e.PrerequisiteID})
	}
	return p
}

// DecodeTask parses a single task response body.
func DecodeTask(data []byte) (domain.Task, error) {
	var payload TaskPayload
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return domain.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return payload.ToDomain(), nil
}

// DecodeTaskList parses a task collection response body.
func DecodeTaskList(data []byte) ([]domain.Task, error) {
	var payloads []TaskPayload
	if err := sonic.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	tasks := make([]domain.Task, 0, len(payloads))
	for _, p := range payloads {
		tasks = append(tasks, p.ToDomain())
	}
	return tasks, nil
}

// EncodeTask serializes a task for egress.
func EncodeTask(t domain.Task) ([]byte, error) {
	data, err := sonic.Marshal(FromDomain(t))
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return data, nil
}

func parseDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	// Some endpoints return full RFC3339 timestamps for the same fields.
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return &ts
	}
	ts, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil
	}
	return &ts
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
