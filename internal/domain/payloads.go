package domain

import "encoding/json"

type CreateTaskRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    int            `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
}

type TaskRef struct {
	TaskID    string `json:"taskId"`
	RequestID string `json:"requestId,omitempty"`
}

type TaskEnvelope struct {
	TaskID    string   `json:"taskId"`
	Task      TaskView `json:"task"`
	RequestID string   `json:"requestId,omitempty"`
}

type TaskListPayload struct {
	Tasks []TaskView `json:"tasks"`
}

// ResultPayload is the body of analysis-result and execution-result broadcasts.
type ResultPayload struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message string      `json:"message"`
	Command CommandType `json:"command"`
	AgentID string      `json:"agentId"`
}

type StatusReport struct {
	Agent        string         `json:"agent"`
	Role         AgentRole      `json:"role"`
	Status       string         `json:"status"`
	Capabilities []string       `json:"capabilities"`
	Extra        map[string]any `json:"extra,omitempty"`
}

type AnalysisRequest struct {
	Type      string         `json:"type"`
	Target    string         `json:"target,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	RequestID string         `json:"requestId"`
}

type ExecutionRequest struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId"`
}
