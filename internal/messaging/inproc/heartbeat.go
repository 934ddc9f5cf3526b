package inproc

import (
	"context"
	"time"

	"command_center/internal/domain"
)

func (b *Bus) HeartbeatInterval() time.Duration {
	return b.cfg.HeartbeatInterval
}

func (b *Bus) OfflineThreshold() time.Duration {
	return time.Duration(b.cfg.OfflineFactor) * b.cfg.HeartbeatInterval
}

// RunHeartbeatMonitor ticks CheckHeartbeats until ctx is done.
func (b *Bus) RunHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.CheckHeartbeats()
		}
	}
}

// CheckHeartbeats marks silent agents offline and publishes a system snapshot.
// It returns the ids that went offline on this tick. Offline agents are never
// removed.
func (b *Bus) CheckHeartbeats() []string {
	now := b.cfg.Now()
	threshold := b.OfflineThreshold()

	b.mu.Lock()
	var expired []domain.Agent
	for _, id := range b.order {
		agent := b.agents[id]
		if agent.Status == domain.AgentStatusOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeat) > threshold {
			agent.Status = domain.AgentStatusOffline
			expired = append(expired, cloneAgent(agent))
		}
	}
	snapshot := b.systemStatusLocked()
	b.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for i := range expired {
		agent := expired[i]
		ids = append(ids, agent.ID)
		b.logger.Warn("agent offline",
			"agent_id", agent.ID,
			"name", agent.Name,
			"silent_for", now.Sub(agent.LastHeartbeat).String())
		b.emit(domain.Event{Type: domain.EventAgentOffline, AgentID: agent.ID, Agent: &agent, Timestamp: now})
	}
	b.emit(domain.Event{Type: domain.EventSystemHeartbeat, Status: &snapshot, Timestamp: now})
	return ids
}
