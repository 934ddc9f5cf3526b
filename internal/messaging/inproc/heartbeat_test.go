package inproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command_center/internal/domain"
)

func TestCheckHeartbeatsMarksSilentAgentOfflineOnce(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	id := registerWorker(b, "analyst", domain.AgentRoleAnalyst)

	var offline []string
	b.OnEvent(domain.EventAgentOffline, func(evt domain.Event) { offline = append(offline, evt.AgentID) })

	clock.Advance(20 * time.Second)
	require.True(t, b.UpdateAgentHeartbeat(id))

	clock.Advance(90 * time.Second)
	assert.Empty(t, b.CheckHeartbeats(), "exactly 3x the interval is not past the threshold")

	clock.Advance(time.Second)
	assert.Equal(t, []string{id}, b.CheckHeartbeats())

	clock.Advance(5 * time.Minute)
	assert.Empty(t, b.CheckHeartbeats())

	assert.Equal(t, []string{id}, offline)
	agent, ok := b.Agent(id)
	require.True(t, ok)
	assert.Equal(t, domain.AgentStatusOffline, agent.Status)
}

func TestCheckHeartbeatsKeepsPulsingAgentsOnline(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	pulsing := registerWorker(b, "executor", domain.AgentRoleExecutor)
	silent := registerWorker(b, "analyst", domain.AgentRoleAnalyst)

	for i := 0; i < 8; i++ {
		clock.Advance(15 * time.Second)
		b.UpdateAgentHeartbeat(pulsing)
		b.CheckHeartbeats()
	}

	p, _ := b.Agent(pulsing)
	s, _ := b.Agent(silent)
	assert.Equal(t, domain.AgentStatusIdle, p.Status)
	assert.Equal(t, domain.AgentStatusOffline, s.Status)
	assert.Len(t, b.Agents(), 2, "offline agents are never removed")
}

func TestCheckHeartbeatsAlwaysPublishesSnapshot(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	registerWorker(b, "executor", domain.AgentRoleExecutor)

	var snapshots []domain.SystemStatus
	b.OnEvent(domain.EventSystemHeartbeat, func(evt domain.Event) { snapshots = append(snapshots, *evt.Status) })

	b.CheckHeartbeats()
	clock.Advance(2 * time.Minute)
	b.CheckHeartbeats()

	require.Len(t, snapshots, 2)
	assert.Equal(t, 1, snapshots[0].ActiveAgents)
	assert.Equal(t, 0, snapshots[1].ActiveAgents)
	assert.Equal(t, 1, snapshots[1].AgentCount)
}

func TestHeartbeatAfterOfflineDoesNotRevive(t *testing.T) {
	clock := newFakeClock()
	b := newTestBus(t, clock)
	id := registerWorker(b, "executor", domain.AgentRoleExecutor)

	clock.Advance(2 * time.Minute)
	b.CheckHeartbeats()
	require.True(t, b.UpdateAgentHeartbeat(id))

	agent, _ := b.Agent(id)
	assert.Equal(t, domain.AgentStatusOffline, agent.Status)

	b.UpdateAgentStatus(id, domain.AgentStatusIdle)
	agent, _ = b.Agent(id)
	assert.Equal(t, domain.AgentStatusIdle, agent.Status)
}

func TestRunHeartbeatMonitorStopsOnCancel(t *testing.T) {
	b := New(Config{HeartbeatInterval: 5 * time.Millisecond}, nil)
	ticks := make(chan struct{}, 16)
	b.OnEvent(domain.EventSystemHeartbeat, func(domain.Event) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.RunHeartbeatMonitor(ctx)
		close(done)
	}()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never ticked")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
