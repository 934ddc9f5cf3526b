package domain

import (
	"encoding/json"
	"time"
)

type AgentRole string

const (
	AgentRoleCoordinator AgentRole = "coordinator"
	AgentRoleExecutor    AgentRole = "executor"
	AgentRoleAnalyst     AgentRole = "analyst"
	AgentRoleAssistant   AgentRole = "assistant"
	AgentRoleSupervisor  AgentRole = "supervisor"
)

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusError   AgentStatus = "error"
)

// CommandType is the closed set of command kinds the bus routes.
type CommandType string

const (
	CommandCreateTask CommandType = "create-task"
	CommandCancelTask CommandType = "cancel-task"
	CommandGetTask    CommandType = "get-task"
	CommandListTasks  CommandType = "list-tasks"
	CommandStatus     CommandType = "status"
	CommandAnalyze    CommandType = "analyze"
	CommandExecute    CommandType = "execute"

	CommandTaskCreated   CommandType = "task-created"
	CommandTaskStarted   CommandType = "task-started"
	CommandTaskUpdated   CommandType = "task-updated"
	CommandTaskCompleted CommandType = "task-completed"
	CommandTaskFailed    CommandType = "task-failed"
	CommandTaskCancelled CommandType = "task-cancelled"
	CommandTaskInfo      CommandType = "task-info"
	CommandTaskList      CommandType = "task-list"

	CommandAnalysisResult  CommandType = "analysis-result"
	CommandExecutionResult CommandType = "execution-result"
	CommandStatusReport    CommandType = "status-report"
	CommandError           CommandType = "error"
)

var commandTypes = []CommandType{
	CommandCreateTask, CommandCancelTask, CommandGetTask, CommandListTasks, CommandStatus,
	CommandAnalyze, CommandExecute,
	CommandTaskCreated, CommandTaskStarted, CommandTaskUpdated, CommandTaskCompleted,
	CommandTaskFailed, CommandTaskCancelled, CommandTaskInfo, CommandTaskList,
	CommandAnalysisResult, CommandExecutionResult, CommandStatusReport, CommandError,
}

func CommandTypes() []CommandType {
	out := make([]CommandType, len(commandTypes))
	copy(out, commandTypes)
	return out
}

func (t CommandType) Valid() bool {
	for _, known := range commandTypes {
		if t == known {
			return true
		}
	}
	return false
}

type EventType string

const (
	EventAgentRegistered    EventType = "agent:registered"
	EventAgentOffline       EventType = "agent:offline"
	EventAgentStatusChanged EventType = "agent:status-changed"
	EventAgentRemoved       EventType = "agent:removed"
	EventCommandSent        EventType = "command:sent"
	EventCommandDropped     EventType = "command:dropped"
	EventSystemHeartbeat    EventType = "system:heartbeat"
)

const (
	DropReasonUnknownTarget   = "unknown-target"
	DropReasonUnsupportedType = "unsupported-type"
	DropReasonQueueFull       = "queue-full"
)

func EventTypes() []EventType {
	return []EventType{
		EventAgentRegistered,
		EventAgentOffline,
		EventAgentStatusChanged,
		EventAgentRemoved,
		EventCommandSent,
		EventCommandDropped,
		EventSystemHeartbeat,
	}
}

type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Role          AgentRole   `json:"role"`
	Status        AgentStatus `json:"status"`
	Capabilities  []string    `json:"capabilities"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
	RegisteredAt  time.Time   `json:"registeredAt"`
}

func (a Agent) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type AgentSpec struct {
	Name         string
	Role         AgentRole
	Status       AgentStatus
	Capabilities []string
}

type Command struct {
	ID        string          `json:"id"`
	Type      CommandType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Timestamp time.Time       `json:"timestamp"`
	Priority  int             `json:"priority"`
}

func (c Command) Broadcast() bool {
	return c.Target == ""
}

// Decode unmarshals the payload into out. An empty payload leaves out untouched.
func (c Command) Decode(out any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(c.Payload, out)
}

// RequestID returns the correlation id carried in the payload, if any.
func (c Command) RequestID() string {
	var probe struct {
		RequestID string `json:"requestId"`
	}
	if err := c.Decode(&probe); err != nil {
		return ""
	}
	return probe.RequestID
}

type CommandInput struct {
	Type     CommandType
	Payload  any
	Source   string
	Target   string
	Priority int
}

type StatusChange struct {
	AgentID string      `json:"agentId"`
	Old     AgentStatus `json:"oldStatus"`
	New     AgentStatus `json:"newStatus"`
}

type SystemStatus struct {
	AgentCount    int       `json:"agentCount"`
	ActiveAgents  int       `json:"activeAgents"`
	CommandsTotal int       `json:"commandsTotal"`
	Timestamp     time.Time `json:"timestamp"`
}

type Event struct {
	Type      EventType     `json:"type"`
	AgentID   string        `json:"agentId,omitempty"`
	Agent     *Agent        `json:"agent,omitempty"`
	Change    *StatusChange `json:"change,omitempty"`
	Command   *Command      `json:"command,omitempty"`
	Status    *SystemStatus `json:"status,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type CommandListener func(Command)

type EventListener func(Event)

type FileOperation string

const (
	FileOperationRead   FileOperation = "read"
	FileOperationWrite  FileOperation = "write"
	FileOperationCreate FileOperation = "create"
	FileOperationDelete FileOperation = "delete"
	FileOperationSearch FileOperation = "search"
)

type PermissionEffect string

const (
	PermissionEffectAllow PermissionEffect = "allow"
	PermissionEffectDeny  PermissionEffect = "deny"
)

type DecisionLog struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type FileChangeLog struct {
	ID        int64         `json:"id"`
	AgentID   string        `json:"agent_id"`
	Operation FileOperation `json:"operation"`
	Path      string        `json:"path"`
	Allowed   bool          `json:"allowed"`
	Reason    string        `json:"reason"`
	CreatedAt time.Time     `json:"created_at"`
}

type BusEventRecord struct {
	ID        int64           `json:"id"`
	Type      EventType       `json:"type"`
	AgentID   string          `json:"agent_id"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}
