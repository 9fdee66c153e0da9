// Package board derives the rendered column view from the task list. Project
// is a pure function: same tasks and grouping in, same columns out. It owns
// no state and never mutates its input.
package board

import (
	"boardsync/domain"
)

// GroupBy selects the column partitioning of the board.
type GroupBy string

const (
	GroupByStatus   GroupBy = "status"
	GroupByPriority GroupBy = "priority"
	GroupByAssignee GroupBy = "assignee"
	GroupByProject  GroupBy = "project"
	GroupBySprint   GroupBy = "sprint"
	GroupByNone     GroupBy = "none"
)

// Column is one rendered lane: a stable key, a display title and color, and
// the tasks that fall into it in task-list order.
type Column struct {
	Key   string
	Title string
	Color string
	Tasks []domain.Task
}

var statusColors = map[domain.Status]string{
	domain.StatusTodo:       "#94a3b8",
	domain.StatusInProgress: "#3b82f6",
	domain.StatusReview:     "#f59e0b",
	domain.StatusDone:       "#22c55e",
}

var statusTitles = map[domain.Status]string{
	domain.StatusTodo:       "To Do",
	domain.StatusInProgress: "In Progress",
	domain.StatusReview:     "Review",
	domain.StatusDone:       "Done",
}

var priorityColors = map[domain.Priority]string{
	domain.PriorityLow:      "#64748b",
	domain.PriorityMedium:   "#3b82f6",
	domain.PriorityHigh:     "#f97316",
	domain.PriorityCritical: "#ef4444",
}

var priorityTitles = map[domain.Priority]string{
	domain.PriorityLow:      "Low",
	domain.PriorityMedium:   "Medium",
	domain.PriorityHigh:     "High",
	domain.PriorityCritical: "Critical",
}

// dynamicPalette colors assignee/sprint columns by position of first
// encounter, wrapping when the board outgrows it.
var dynamicPalette = []string{
	"#3b82f6", "#8b5cf6", "#06b6d4", "#f59e0b",
	"#10b981", "#ef4444", "#ec4899", "#64748b",
}

// Project partitions tasks into ordered columns. Status and priority use a
// fixed column set, present even when empty, so the board layout never jumps.
// Assignee, project and sprint columns appear in order of first encounter.
// Every task lands in exactly one column.
func Project(tasks []domain.Task, groupBy GroupBy) []Column {
	switch groupBy {
	case GroupByStatus:
		return fixedColumns(tasks, statusStems(), func(t domain.Task) string {
			return string(domain.ParseStatus(string(t.Status)))
		})
	case GroupByPriority:
		return fixedColumns(tasks, priorityStems(), func(t domain.Task) string {
			return string(domain.ParsePriority(string(t.Priority)))
		})
	case GroupByAssignee:
		return dynamicColumns(tasks, func(t domain.Task) (string, string, string) {
			if t.Assignee == nil {
				return "unassigned", "Unassigned", ""
			}
			return t.Assignee.ID, t.Assignee.Name, ""
		})
	case GroupByProject:
		return dynamicColumns(tasks, func(t domain.Task) (string, string, string) {
			if t.Project == nil {
				return "no-project", "No Project", ""
			}
			return t.Project.ID, t.Project.Name, t.Project.Color
		})
	case GroupBySprint:
		return dynamicColumns(tasks, func(t domain.Task) (string, string, string) {
			if t.Sprint == "" {
				return "no-sprint", "No Sprint", ""
			}
			return t.Sprint, t.Sprint, ""
		})
	default:
		out := make([]domain.Task, len(tasks))
		copy(out, tasks)
		return []Column{{Key: "all", Title: "All Tasks", Color: dynamicPalette[0], Tasks: out}}
	}
}

type columnStem struct {
	key   string
	title string
	color string
}

func statusStems() []columnStem {
	stems := make([]columnStem, 0, len(domain.Statuses()))
	for _, s := range domain.Statuses() {
		stems = append(stems, columnStem{key: string(s), title: statusTitles[s], color: statusColors[s]})
	}
	return stems
}

func priorityStems() []columnStem {
	stems := make([]columnStem, 0, len(domain.Priorities()))
	for _, p := range domain.Priorities() {
		stems = append(stems, columnStem{key: string(p), title: priorityTitles[p], color: priorityColors[p]})
	}
	return stems
}

// fixedColumns builds the full column set up front so empty lanes render.
func fixedColumns(tasks []domain.Task, stems []columnStem, keyOf func(domain.Task) string) []Column {
	cols := make([]Column, len(stems))
	index := make(map[string]int, len(stems))
	for i, stem := range stems {
		cols[i] = Column{Key: stem.key, Title: stem.title, Color: stem.color}
		index[stem.key] = i
	}
	for _, t := range tasks {
		i := index[keyOf(t)]
		cols[i].Tasks = append(cols[i].Tasks, t)
	}
	return cols
}

// dynamicColumns creates a column the first time its key is seen. A column's
// own color, when the grouping supplies one, beats the palette.
func dynamicColumns(tasks []domain.Task, keyOf func(domain.Task) (key, title, color string)) []Column {
	var cols []Column
	index := make(map[string]int)
	for _, t := range tasks {
		key, title, color := keyOf(t)
		i, ok := index[key]
		if !ok {
			if color == "" {
				color = dynamicPalette[len(cols)%len(dynamicPalette)]
			}
			cols = append(cols, Column{Key: key, Title: title, Color: color})
			i = len(cols) - 1
			index[key] = i
		}
		cols[i].Tasks = append(cols[i].Tasks, t)
	}
	return cols
}
