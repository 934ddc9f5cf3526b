package inproc

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command_center/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBus(t *testing.T, clock *fakeClock) *Bus {
	t.Helper()
	cfg := Config{HeartbeatInterval: 30 * time.Second}
	if clock != nil {
		cfg.Now = clock.Now
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func registerWorker(b *Bus, name string, role domain.AgentRole, caps ...string) string {
	return b.RegisterAgent(domain.AgentSpec{Name: name, Role: role, Status: domain.AgentStatusIdle, Capabilities: caps})
}

func TestRegisterAgentAssignsDistinctIDs(t *testing.T) {
	b := newTestBus(t, nil)
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		id := registerWorker(b, "worker", domain.AgentRoleExecutor)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, b.Agents(), 200)
}

func TestRegisterAgentPublishesEventAndAllowsDuplicateNames(t *testing.T) {
	b := newTestBus(t, nil)
	var registered []domain.Event
	b.OnEvent(domain.EventAgentRegistered, func(evt domain.Event) {
		registered = append(registered, evt)
	})

	first := registerWorker(b, "analyst", domain.AgentRoleAnalyst, "code-analysis")
	second := registerWorker(b, "analyst", domain.AgentRoleAnalyst, "code-analysis")

	require.Len(t, registered, 2)
	assert.NotEqual(t, first, second)
	assert.Equal(t, first, registered[0].AgentID)
	require.NotNil(t, registered[0].Agent)
	assert.Equal(t, domain.AgentStatusIdle, registered[0].Agent.Status)
}

func TestSendCommandRoutesDirectToKnownAgent(t *testing.T) {
	b := newTestBus(t, nil)
	target := registerWorker(b, "executor", domain.AgentRoleExecutor)
	other := registerWorker(b, "executor-2", domain.AgentRoleExecutor)

	var direct, otherDirect, broadcast []domain.Command
	b.OnAgent(target, func(cmd domain.Command) { direct = append(direct, cmd) })
	b.OnAgent(other, func(cmd domain.Command) { otherDirect = append(otherDirect, cmd) })
	b.OnKind(domain.CommandExecute, func(cmd domain.Command) { broadcast = append(broadcast, cmd) })

	id, err := b.SendCommand(domain.CommandInput{
		Type:     domain.CommandExecute,
		Payload:  map[string]string{"requestId": "r-1"},
		Source:   "tester",
		Target:   target,
		Priority: 3,
	})
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Empty(t, otherDirect)
	assert.Empty(t, broadcast)
	assert.Equal(t, id, direct[0].ID)
	assert.Equal(t, "r-1", direct[0].RequestID())
	assert.Equal(t, 3, direct[0].Priority)
}

func TestSendCommandBroadcastsByType(t *testing.T) {
	b := newTestBus(t, nil)
	var order []string
	b.OnKind(domain.CommandAnalysisResult, func(domain.Command) { order = append(order, "first") })
	b.OnKind(domain.CommandAnalysisResult, func(domain.Command) { order = append(order, "second") })
	b.OnKind(domain.CommandExecutionResult, func(domain.Command) { order = append(order, "other-kind") })

	_, err := b.SendCommand(domain.CommandInput{Type: domain.CommandAnalysisResult, Source: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSendCommandUnknownTargetIsDroppedWithoutError(t *testing.T) {
	b := newTestBus(t, nil)
	agentID := registerWorker(b, "executor", domain.AgentRoleExecutor)

	delivered := 0
	b.OnAgent(agentID, func(domain.Command) { delivered++ })
	b.OnAgent("ghost", func(domain.Command) { delivered++ })
	b.OnKind(domain.CommandExecute, func(domain.Command) { delivered++ })

	var dropped []domain.Event
	b.OnEvent(domain.EventCommandDropped, func(evt domain.Event) { dropped = append(dropped, evt) })

	id, err := b.SendCommand(domain.CommandInput{Type: domain.CommandExecute, Target: "ghost"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Zero(t, delivered)
	require.Len(t, dropped, 1)
	assert.Equal(t, domain.DropReasonUnknownTarget, dropped[0].Reason)
	assert.Equal(t, 1, b.SystemStatus().CommandsTotal)
}

func TestSendCommandRejectsUnknownType(t *testing.T) {
	b := newTestBus(t, nil)
	_, err := b.SendCommand(domain.CommandInput{Type: "launch-missiles"})
	require.ErrorIs(t, err, ErrUnknownCommandType)
	assert.Zero(t, b.SystemStatus().CommandsTotal)
}

func TestCommandSentPrecedesDelivery(t *testing.T) {
	b := newTestBus(t, nil)
	var trace []string
	b.OnEvent(domain.EventCommandSent, func(domain.Event) { trace = append(trace, "sent") })
	b.OnKind(domain.CommandStatus, func(domain.Command) { trace = append(trace, "delivered") })

	_, err := b.SendCommand(domain.CommandInput{Type: domain.CommandStatus})
	require.NoError(t, err)
	assert.Equal(t, []string{"sent", "delivered"}, trace)
}

func TestListenerMayReenterBus(t *testing.T) {
	b := newTestBus(t, nil)
	var replies int
	b.OnKind(domain.CommandStatus, func(cmd domain.Command) {
		_, err := b.SendCommand(domain.CommandInput{Type: domain.CommandStatusReport, Source: "responder"})
		require.NoError(t, err)
	})
	b.OnKind(domain.CommandStatusReport, func(domain.Command) { replies++ })

	_, err := b.SendCommand(domain.CommandInput{Type: domain.CommandStatus})
	require.NoError(t, err)
	assert.Equal(t, 1, replies)
	assert.Len(t, b.CommandLog(0), 2)
}

func TestPanickingListenerDoesNotStopDelivery(t *testing.T) {
	b := newTestBus(t, nil)
	reached := false
	b.OnKind(domain.CommandError, func(domain.Command) { panic("boom") })
	b.OnKind(domain.CommandError, func(domain.Command) { reached = true })

	_, err := b.SendCommand(domain.CommandInput{Type: domain.CommandError})
	require.NoError(t, err)
	assert.True(t, reached)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, nil)
	calls := 0
	cancel := b.OnKind(domain.CommandTaskStarted, func(domain.Command) { calls++ })

	_, _ = b.SendCommand(domain.CommandInput{Type: domain.CommandTaskStarted})
	cancel()
	_, _ = b.SendCommand(domain.CommandInput{Type: domain.CommandTaskStarted})
	assert.Equal(t, 1, calls)
}

func TestUpdateAgentStatusPublishesOnlyOnChange(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	id := registerWorker(b, "analyst", domain.AgentRoleAnalyst)

	var changes []domain.StatusChange
	b.OnEvent(domain.EventAgentStatusChanged, func(evt domain.Event) {
		changes = append(changes, *evt.Change)
	})

	clock.Advance(10 * time.Second)
	require.True(t, b.UpdateAgentStatus(id, domain.AgentStatusBusy))
	clock.Advance(10 * time.Second)
	require.True(t, b.UpdateAgentStatus(id, domain.AgentStatusBusy))
	assert.False(t, b.UpdateAgentStatus("missing", domain.AgentStatusBusy))

	require.Len(t, changes, 1)
	assert.Equal(t, domain.AgentStatusIdle, changes[0].Old)
	assert.Equal(t, domain.AgentStatusBusy, changes[0].New)

	agent, ok := b.Agent(id)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), agent.LastHeartbeat)
}

func TestRemoveAgentPublishesIDOnly(t *testing.T) {
	b := newTestBus(t, nil)
	id := registerWorker(b, "executor", domain.AgentRoleExecutor)

	var removed []domain.Event
	b.OnEvent(domain.EventAgentRemoved, func(evt domain.Event) { removed = append(removed, evt) })

	require.True(t, b.RemoveAgent(id))
	assert.False(t, b.RemoveAgent(id))
	require.Len(t, removed, 1)
	assert.Equal(t, id, removed[0].AgentID)
	assert.Nil(t, removed[0].Agent)
	_, ok := b.Agent(id)
	assert.False(t, ok)
}

func TestFindAgentsMatchesCapabilitySet(t *testing.T) {
	b := newTestBus(t, nil)
	analyst := registerWorker(b, "analyst", domain.AgentRoleAnalyst, "code-analysis", "pattern-recognition")
	registerWorker(b, "executor", domain.AgentRoleExecutor, "terminal-execution")

	found := b.FindAgents(Filter{Capabilities: []string{"code-analysis", "pattern-recognition"}})
	require.Len(t, found, 1)
	assert.Equal(t, analyst, found[0].ID)

	assert.Empty(t, b.FindAgents(Filter{Capabilities: []string{"code-analysis", "terminal-execution"}}))
	assert.Len(t, b.FindAgents(Filter{Role: domain.AgentRoleExecutor}), 1)
}

func TestSystemStatusCountsActiveAgents(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	registerWorker(b, "a", domain.AgentRoleAnalyst)
	registerWorker(b, "b", domain.AgentRoleExecutor)
	offline := registerWorker(b, "c", domain.AgentRoleExecutor)
	b.UpdateAgentStatus(offline, domain.AgentStatusOffline)
	_, _ = b.SendCommand(domain.CommandInput{Type: domain.CommandStatus})

	status := b.SystemStatus()
	assert.Equal(t, 3, status.AgentCount)
	assert.Equal(t, 2, status.ActiveAgents)
	assert.Equal(t, 1, status.CommandsTotal)
	assert.Equal(t, clock.Now(), status.Timestamp)
}

func TestCommandLogLimitKeepsNewest(t *testing.T) {
	b := New(Config{CommandLogLimit: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, kind := range []domain.CommandType{domain.CommandStatus, domain.CommandListTasks, domain.CommandGetTask} {
		_, err := b.SendCommand(domain.CommandInput{Type: kind})
		require.NoError(t, err)
	}
	log := b.CommandLog(0)
	require.Len(t, log, 2)
	assert.Equal(t, domain.CommandListTasks, log[0].Type)
	assert.Equal(t, domain.CommandGetTask, log[1].Type)
	assert.Equal(t, 3, b.SystemStatus().CommandsTotal)
	assert.Len(t, b.CommandLog(1), 1)
}
