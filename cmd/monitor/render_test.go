package main

import (
	"testing"
	"time"

	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"

	"command_center/internal/domain"
)

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	names := map[string]string{"a-1234567890": "Analyst", "op-1234567890": "operator"}

	sent := formatEvent(domain.Event{
		Type:      domain.EventCommandSent,
		Command:   &domain.Command{Type: domain.CommandAnalyze, Source: "op-1234567890", Target: "a-1234567890"},
		Timestamp: ts,
	}, names)
	assert.Contains(t, sent, "analyze")
	assert.Contains(t, sent, "operator -> Analyst")

	broadcast := formatEvent(domain.Event{
		Type:      domain.EventCommandSent,
		Command:   &domain.Command{Type: domain.CommandTaskUpdated, Source: "zzzzzzzzzzzz"},
		Timestamp: ts,
	}, names)
	assert.Contains(t, broadcast, "zzzzzzzz -> *")

	dropped := formatEvent(domain.Event{
		Type:      domain.EventCommandDropped,
		Command:   &domain.Command{Type: domain.CommandStatus},
		Reason:    domain.DropReasonQueueFull,
		Timestamp: ts,
	}, names)
	assert.Contains(t, dropped, "status (queue-full)")

	changed := formatEvent(domain.Event{
		Type:      domain.EventAgentStatusChanged,
		AgentID:   "a-1234567890",
		Change:    &domain.StatusChange{Old: domain.AgentStatusIdle, New: domain.AgentStatusBusy},
		Timestamp: ts,
	}, names)
	assert.Contains(t, changed, "Analyst idle -> busy")

	heartbeat := formatEvent(domain.Event{
		Type:      domain.EventSystemHeartbeat,
		Status:    &domain.SystemStatus{AgentCount: 3, ActiveAgents: 2, CommandsTotal: 9},
		Timestamp: ts,
	}, names)
	assert.Contains(t, heartbeat, "agents=3 online=2 commands=9")
}

func TestRenderTaskDetailOrdersDecisions(t *testing.T) {
	view := domain.TaskView{
		Title:  "Build [x]",
		Status: domain.TaskStatusInProgress,
		Subtasks: []domain.SubTaskView{
			{Title: "Analysis", Status: domain.TaskStatusCompleted, AssignedAgentID: "a-1234567890"},
			{Title: "Execution", Status: domain.TaskStatusPending},
		},
	}
	decisions := []domain.DecisionLog{
		{ID: 2, Action: "subtask_dispatched", Reason: "stage ready", Payload: []byte(`{"agent_id":"a-1234567890","stage":"analysis"}`)},
		{ID: 1, Action: "task_created", Reason: "task accepted"},
	}
	out := renderTaskDetail(view, decisions, map[string]string{"a-1234567890": "Analyst"})

	assert.Contains(t, out, tview.Escape("Build [x]"))
	assert.Contains(t, out, "agent=Analyst")
	assert.Contains(t, out, "agent=-")
	assert.Less(t, indexOf(out, "task_created"), indexOf(out, "subtask_dispatched"))
	assert.Contains(t, out, "agent_id=a-123456 stage=analysis")
}

func TestRenderTaskDetailWithoutDecisions(t *testing.T) {
	out := renderTaskDetail(domain.TaskView{Title: "x", Status: domain.TaskStatusPending}, nil, nil)
	assert.Contains(t, out, "No decisions")
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "abcdefgh", shortID("abcdefghijk"))
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "a b", trimLine("a\nb", 10))
	assert.Equal(t, "abcdefg...", trimLine("abcdefghijklmnop", 10))
	assert.Equal(t, "", payloadSummary(nil))
	assert.Equal(t, "", payloadSummary([]byte("not json")))
	assert.Equal(t, "1/2", stageProgress(domain.TaskView{Subtasks: []domain.SubTaskView{
		{Status: domain.TaskStatusFailed}, {Status: domain.TaskStatusInProgress},
	}}))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
