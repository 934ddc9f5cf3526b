package inproc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"command_center/internal/domain"
)

var ErrUnknownCommandType = errors.New("unknown command type")

type Config struct {
	HeartbeatInterval time.Duration
	OfflineFactor     int
	// CommandLogLimit caps the in-memory command log; 0 keeps everything.
	CommandLogLimit int
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.OfflineFactor <= 0 {
		c.OfflineFactor = 3
	}
	if c.CommandLogLimit < 0 {
		c.CommandLogLimit = 0
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type Filter struct {
	Role         domain.AgentRole
	Capabilities []string
	OnlineOnly   bool
}

func (f Filter) matches(a *domain.Agent) bool {
	if f.Role != "" && a.Role != f.Role {
		return false
	}
	if f.OnlineOnly && a.Status == domain.AgentStatusOffline {
		return false
	}
	return a.HasCapabilities(f.Capabilities)
}

type commandSub struct {
	id uint64
	fn domain.CommandListener
}

type eventSub struct {
	id uint64
	fn domain.EventListener
}

// Bus is the agent registry and command router. Listeners run synchronously on
// the caller's goroutine, in subscription order, without the bus lock held.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.RWMutex
	agents        map[string]*domain.Agent
	order         []string
	commandLog    []domain.Command
	commandsTotal int
	nextSub       uint64
	agentRoutes   map[string][]commandSub
	kindRoutes    map[domain.CommandType][]commandSub
	eventRoutes   map[domain.EventType][]eventSub
}

func New(cfg Config, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:         cfg.withDefaults(),
		logger:      logger.With("component", "bus"),
		agents:      make(map[string]*domain.Agent),
		agentRoutes: make(map[string][]commandSub),
		kindRoutes:  make(map[domain.CommandType][]commandSub),
		eventRoutes: make(map[domain.EventType][]eventSub),
	}
}

func (b *Bus) Now() time.Time {
	return b.cfg.Now()
}

func (b *Bus) RegisterAgent(spec domain.AgentSpec) string {
	status := spec.Status
	if status == "" {
		status = domain.AgentStatusIdle
	}
	now := b.cfg.Now()
	agent := &domain.Agent{
		ID:            uuid.NewString(),
		Name:          spec.Name,
		Role:          spec.Role,
		Status:        status,
		Capabilities:  append([]string{}, spec.Capabilities...),
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	b.mu.Lock()
	b.agents[agent.ID] = agent
	b.order = append(b.order, agent.ID)
	snapshot := cloneAgent(agent)
	b.mu.Unlock()

	b.logger.Info("agent registered", "agent_id", agent.ID, "name", agent.Name, "role", agent.Role)
	b.emit(domain.Event{Type: domain.EventAgentRegistered, AgentID: agent.ID, Agent: &snapshot, Timestamp: now})
	return agent.ID
}

// SendCommand records and routes a command. An unknown target is dropped
// without an error; only an invalid type or payload is rejected.
func (b *Bus) SendCommand(in domain.CommandInput) (string, error) {
	if !in.Type.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommandType, in.Type)
	}
	payload, err := encodePayload(in.Payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", in.Type, err)
	}
	cmd := domain.Command{
		ID:        uuid.NewString(),
		Type:      in.Type,
		Payload:   payload,
		Source:    in.Source,
		Target:    in.Target,
		Timestamp: b.cfg.Now(),
		Priority:  in.Priority,
	}

	b.mu.Lock()
	b.commandsTotal++
	b.commandLog = append(b.commandLog, cmd)
	if limit := b.cfg.CommandLogLimit; limit > 0 && len(b.commandLog) > limit {
		b.commandLog = append([]domain.Command(nil), b.commandLog[len(b.commandLog)-limit:]...)
	}
	b.mu.Unlock()

	sent := cmd
	b.emit(domain.Event{Type: domain.EventCommandSent, AgentID: cmd.Source, Command: &sent, Timestamp: cmd.Timestamp})

	b.mu.RLock()
	var subs []commandSub
	known := true
	if cmd.Target == "" {
		subs = append(subs, b.kindRoutes[cmd.Type]...)
	} else if _, ok := b.agents[cmd.Target]; ok {
		subs = append(subs, b.agentRoutes[cmd.Target]...)
	} else {
		known = false
	}
	b.mu.RUnlock()

	if !known {
		b.DeadLetter(cmd, domain.DropReasonUnknownTarget)
		return cmd.ID, nil
	}
	for _, sub := range subs {
		b.deliver(sub.fn, cmd)
	}
	return cmd.ID, nil
}

// DeadLetter reports a command that will not be processed.
func (b *Bus) DeadLetter(cmd domain.Command, reason string) {
	b.logger.Warn("command dropped",
		"command_id", cmd.ID,
		"type", cmd.Type,
		"source", cmd.Source,
		"target", cmd.Target,
		"reason", reason)
	dropped := cmd
	b.emit(domain.Event{
		Type:      domain.EventCommandDropped,
		AgentID:   cmd.Target,
		Command:   &dropped,
		Reason:    reason,
		Timestamp: b.cfg.Now(),
	})
}

func (b *Bus) OnAgent(agentID string, fn domain.CommandListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.agentRoutes[agentID] = append(b.agentRoutes[agentID], commandSub{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.agentRoutes[agentID] = removeCommandSub(b.agentRoutes[agentID], id)
		if len(b.agentRoutes[agentID]) == 0 {
			delete(b.agentRoutes, agentID)
		}
	}
}

func (b *Bus) OnKind(kind domain.CommandType, fn domain.CommandListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.kindRoutes[kind] = append(b.kindRoutes[kind], commandSub{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.kindRoutes[kind] = removeCommandSub(b.kindRoutes[kind], id)
	}
}

func (b *Bus) OnEvent(evt domain.EventType, fn domain.EventListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.eventRoutes[evt] = append(b.eventRoutes[evt], eventSub{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.eventRoutes[evt]
		for i, sub := range subs {
			if sub.id == id {
				b.eventRoutes[evt] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) UpdateAgentHeartbeat(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	agent, ok := b.agents[agentID]
	if !ok {
		return false
	}
	agent.LastHeartbeat = b.cfg.Now()
	return true
}

func (b *Bus) UpdateAgentStatus(agentID string, status domain.AgentStatus) bool {
	now := b.cfg.Now()
	b.mu.Lock()
	agent, ok := b.agents[agentID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	old := agent.Status
	agent.Status = status
	agent.LastHeartbeat = now
	b.mu.Unlock()

	if old != status {
		b.emit(domain.Event{
			Type:      domain.EventAgentStatusChanged,
			AgentID:   agentID,
			Change:    &domain.StatusChange{AgentID: agentID, Old: old, New: status},
			Timestamp: now,
		})
	}
	return true
}

func (b *Bus) RemoveAgent(agentID string) bool {
	b.mu.Lock()
	if _, ok := b.agents[agentID]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.agents, agentID)
	for i, id := range b.order {
		if id == agentID {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	b.logger.Info("agent removed", "agent_id", agentID)
	b.emit(domain.Event{Type: domain.EventAgentRemoved, AgentID: agentID, Timestamp: b.cfg.Now()})
	return true
}

func (b *Bus) Agent(agentID string) (domain.Agent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	agent, ok := b.agents[agentID]
	if !ok {
		return domain.Agent{}, false
	}
	return cloneAgent(agent), true
}

func (b *Bus) Agents() []domain.Agent {
	return b.FindAgents(Filter{})
}

// FindAgents returns matching agents in registration order.
func (b *Bus) FindAgents(f Filter) []domain.Agent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Agent, 0, len(b.order))
	for _, id := range b.order {
		agent := b.agents[id]
		if f.matches(agent) {
			out = append(out, cloneAgent(agent))
		}
	}
	return out
}

func (b *Bus) SystemStatus() domain.SystemStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.systemStatusLocked()
}

func (b *Bus) systemStatusLocked() domain.SystemStatus {
	active := 0
	for _, agent := range b.agents {
		if agent.Status != domain.AgentStatusOffline {
			active++
		}
	}
	return domain.SystemStatus{
		AgentCount:    len(b.agents),
		ActiveAgents:  active,
		CommandsTotal: b.commandsTotal,
		Timestamp:     b.cfg.Now(),
	}
}

// CommandLog returns up to limit of the most recent commands, oldest first.
func (b *Bus) CommandLog(limit int) []domain.Command {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := 0
	if limit > 0 && len(b.commandLog) > limit {
		start = len(b.commandLog) - limit
	}
	out := make([]domain.Command, len(b.commandLog)-start)
	copy(out, b.commandLog[start:])
	return out
}

func (b *Bus) emit(evt domain.Event) {
	b.mu.RLock()
	subs := append([]eventSub(nil), b.eventRoutes[evt.Type]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		b.deliverEvent(sub.fn, evt)
	}
}

func (b *Bus) deliver(fn domain.CommandListener, cmd domain.Command) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("command listener panicked", "command_id", cmd.ID, "type", cmd.Type, "panic", r)
		}
	}()
	fn(cmd)
}

func (b *Bus) deliverEvent(fn domain.EventListener, evt domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "event", evt.Type, "panic", r)
		}
	}()
	fn(evt)
}

func removeCommandSub(subs []commandSub, id uint64) []commandSub {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

func cloneAgent(a *domain.Agent) domain.Agent {
	out := *a
	out.Capabilities = append([]string{}, a.Capabilities...)
	return out
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}
