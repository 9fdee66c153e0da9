package domain

import (
	"math"
	"strings"
	"time"
)

// Status is a board column state. Use ParseStatus on ingress so an unmapped
// wire value can never leak into the store.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// Statuses lists all states in board column order.
func Statuses() []Status {
	return []Status{StatusTodo, StatusInProgress, StatusReview, StatusDone}
}

// ParseStatus normalizes a wire status value. Unknown values map to todo.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "in_progress", "inprogress":
		return StatusInProgress
	case "review":
		return StatusReview
	case "done":
		return StatusDone
	default:
		return StatusTodo
	}
}

func (s Status) IsValid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusDone:
		return true
	}
	return false
}

// Priority orders tasks by urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities lists all priorities from least to most urgent.
func Priorities() []Priority {
	return []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
}

// ParsePriority normalizes a wire priority value. Unknown values map to medium.
func ParsePriority(raw string) Priority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// UserRef identifies an assignee.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProjectRef identifies the owning project and its display color.
type ProjectRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Subtask is owned by exactly one task and persisted individually.
type Subtask struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// Task is a single board item in its normalized client shape.
type Task struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	Status          Status      `json:"status"`
	Priority        Priority    `json:"priority"`
	Assignee        *UserRef    `json:"assignee,omitempty"`
	Project         *ProjectRef `json:"project,omitempty"`
	Sprint          string      `json:"sprint,omitempty"`
	StartDate       *time.Time  `json:"startDate,omitempty"`
	DueDate         *time.Time  `json:"dueDate,omitempty"`
	EstimatedHours  float64     `json:"estimatedHours,omitempty"`
	ActualHours     float64     `json:"actualHours,omitempty"`
	Progress        int         `json:"progress"`
	Tags            []string    `json:"tags,omitempty"`
	Subtasks        []Subtask   `json:"subtasks,omitempty"`
	Dependencies    []Edge      `json:"dependencies,omitempty"`
	AttachmentCount int         `json:"attachmentCount,omitempty"`
	CommentCount    int         `json:"commentCount,omitempty"`
}

// DerivedProgress returns round(100*completed/total) when subtasks exist, and
// the stored progress otherwise. It supersedes any manual progress value after
// a subtask toggle.
func (t Task) DerivedProgress() int {
	if len(t.Subtasks) == 0 {
		return t.Progress
	}
	completed := 0
	for _, st := range t.Subtasks {
		if st.Completed {
			completed++
		}
	}
	return int(math.Round(100 * float64(completed) / float64(len(t.Subtasks))))
}

// Overrun reports whether logged effort exceeds the estimate. This is a
// warning condition for card badges, not invalid state.
func (t Task) Overrun() bool {
	return t.EstimatedHours > 0 && t.ActualHours > t.EstimatedHours
}

// HasTag reports whether the task carries the given tag. Tag order is
// irrelevant.
func (t Task) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hold snapshots across mutations.
func (t Task) Clone() Task {
	cp := t
	if t.Assignee != nil {
		a := *t.Assignee
		cp.Assignee = &a
	}
	if t.Project != nil {
		p := *t.Project
		cp.Project = &p
	}
	if t.StartDate != nil {
		d := *t.StartDate
		cp.StartDate = &d
	}
	if t.DueDate != nil {
		d := *t.DueDate
		cp.DueDate = &d
	}
	if t.Tags != nil {
		cp.Tags = append([]string(nil), t.Tags...)
	}
	if t.Subtasks != nil {
		cp.Subtasks = append([]Subtask(nil), t.Subtasks...)
	}
	if t.Dependencies != nil {
		cp.Dependencies = append([]Edge(nil), t.Dependencies...)
	}
	return cp
}
