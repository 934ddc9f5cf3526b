package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Settled reports whether a subtask counts toward task aggregation.
func (s TaskStatus) Settled() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type Task struct {
	ID             string
	Title          string
	Description    string
	Status         TaskStatus
	Priority       int
	AssignedAgents []string
	Subtasks       []*SubTask
	Metadata       map[string]any
	Plan           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type SubTask struct {
	ID              string
	ParentID        string
	Stage           string
	DependsOn       string
	Title           string
	Status          TaskStatus
	AssignedAgentID string
	Result          json.RawMessage
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (t *Task) Stage(key string) *SubTask {
	for _, st := range t.Subtasks {
		if st.Stage == key {
			return st
		}
	}
	return nil
}

func (t *Task) View() TaskView {
	view := TaskView{
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		Status:         t.Status,
		Priority:       t.Priority,
		AssignedAgents: append([]string{}, t.AssignedAgents...),
		Subtasks:       make([]SubTaskView, 0, len(t.Subtasks)),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	for _, st := range t.Subtasks {
		view.Subtasks = append(view.Subtasks, SubTaskView{
			ID:              st.ID,
			Title:           st.Title,
			Status:          st.Status,
			AssignedAgentID: st.AssignedAgentID,
		})
	}
	return view
}

type TaskView struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Status         TaskStatus    `json:"status"`
	Priority       int           `json:"priority"`
	AssignedAgents []string      `json:"assignedAgents"`
	Subtasks       []SubTaskView `json:"subtasks"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

type SubTaskView struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Status          TaskStatus `json:"status"`
	AssignedAgentID string     `json:"assignedAgentId,omitempty"`
}
