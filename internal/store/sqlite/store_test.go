package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command_center/internal/domain"
)

func TestAppendCommandIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sent := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	cmd := domain.Command{
		ID:        "cmd-1",
		Type:      domain.CommandAnalyze,
		Source:    "operator",
		Target:    "analyst-1",
		Priority:  1,
		Payload:   []byte(`{"type":"project"}`),
		Timestamp: sent,
	}
	require.NoError(t, store.AppendCommand(ctx, cmd))
	require.NoError(t, store.AppendCommand(ctx, cmd))

	got, err := store.ListCommands(ctx, CommandQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cmd.ID, got[0].ID)
	assert.Equal(t, domain.CommandAnalyze, got[0].Type)
	assert.Equal(t, 1, got[0].Priority)
	assert.JSONEq(t, `{"type":"project"}`, string(got[0].Payload))
	assert.True(t, sent.Equal(got[0].Timestamp))
}

func TestListCommandsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AppendCommand(ctx, domain.Command{ID: "a", Type: domain.CommandAnalyze, Source: "op", Target: "analyst"}))
	require.NoError(t, store.AppendCommand(ctx, domain.Command{ID: "b", Type: domain.CommandExecute, Source: "op", Target: "executor"}))
	require.NoError(t, store.AppendCommand(ctx, domain.Command{ID: "c", Type: domain.CommandAnalysisResult, Source: "analyst"}))

	all, err := store.ListCommands(ctx, CommandQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, "{}", string(all[1].Payload))

	byType, err := store.ListCommands(ctx, CommandQuery{Type: domain.CommandExecute})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "b", byType[0].ID)

	byAgent, err := store.ListCommands(ctx, CommandQuery{AgentID: "analyst"})
	require.NoError(t, err)
	require.Len(t, byAgent, 2)
	assert.Equal(t, "c", byAgent[0].ID)
	assert.Equal(t, "a", byAgent[1].ID)

	limited, err := store.ListCommands(ctx, CommandQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestEventsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AppendEvent(ctx, domain.BusEventRecord{Type: domain.EventAgentRegistered, AgentID: "a1"}))
	require.NoError(t, store.AppendEvent(ctx, domain.BusEventRecord{
		Type:    domain.EventCommandDropped,
		AgentID: "a1",
		Detail:  []byte(`{"reason":"queue-full"}`),
	}))

	events, err := store.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventCommandDropped, events[0].Type)
	assert.JSONEq(t, `{"reason":"queue-full"}`, string(events[0].Detail))
	assert.Equal(t, "{}", string(events[1].Detail))
	assert.False(t, events[1].CreatedAt.IsZero())

	dropped, err := store.ListEvents(ctx, domain.EventCommandDropped, 10)
	require.NoError(t, err)
	require.Len(t, dropped, 1)
}

func TestDecisionsByTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.LogDecision(ctx, domain.DecisionLog{TaskID: "t1", Actor: "coordinator", Action: "task_created", Reason: "plan default"}))
	require.NoError(t, store.LogDecision(ctx, domain.DecisionLog{TaskID: "t2", Actor: "coordinator", Action: "task_created"}))
	require.NoError(t, store.LogDecision(ctx, domain.DecisionLog{
		TaskID:  "t1",
		Actor:   "coordinator",
		Action:  "subtask_dispatched",
		Payload: []byte(`{"agentId":"a1"}`),
	}))

	t1, err := store.ListDecisions(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, t1, 2)
	assert.Equal(t, "subtask_dispatched", t1[0].Action)
	assert.JSONEq(t, `{"agentId":"a1"}`, string(t1[0].Payload))
	assert.Equal(t, "task_created", t1[1].Action)
	assert.Equal(t, "plan default", t1[1].Reason)

	all, err := store.ListDecisions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileChanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.LogFileChange(ctx, domain.FileChangeLog{AgentID: "exec", Operation: domain.FileOperationWrite, Path: "a.go", Allowed: true}))
	require.NoError(t, store.LogFileChange(ctx, domain.FileChangeLog{AgentID: "exec", Operation: domain.FileOperationDelete, Path: ".env", Reason: "denied by rule"}))
	require.NoError(t, store.LogFileChange(ctx, domain.FileChangeLog{AgentID: "other", Operation: domain.FileOperationRead, Path: "b.go", Allowed: true}))

	changes, err := store.ListFileChanges(ctx, "exec", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, ".env", changes[0].Path)
	assert.False(t, changes[0].Allowed)
	assert.Equal(t, "denied by rule", changes[0].Reason)
	assert.Equal(t, domain.FileOperationWrite, changes[1].Operation)
	assert.True(t, changes[1].Allowed)
}

func TestMigrateIsRepeatable(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}
