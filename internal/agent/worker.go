package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"command_center/internal/domain"
)

const (
	defaultPulseInterval = 15 * time.Second
	defaultQueueSize     = 32
)

// Bus is the subset of the command center a worker talks to.
type Bus interface {
	RegisterAgent(spec domain.AgentSpec) string
	SendCommand(in domain.CommandInput) (string, error)
	DeadLetter(cmd domain.Command, reason string)
	OnAgent(agentID string, fn domain.CommandListener) func()
	OnKind(kind domain.CommandType, fn domain.CommandListener) func()
	UpdateAgentHeartbeat(agentID string) bool
	UpdateAgentStatus(agentID string, status domain.AgentStatus) bool
	RemoveAgent(agentID string) bool
	Agent(agentID string) (domain.Agent, bool)
}

// Handler performs one command. The returned value becomes the data of the
// worker's result broadcast.
type Handler func(ctx context.Context, cmd domain.Command) (any, error)

type Spec struct {
	Name         string
	Role         domain.AgentRole
	Capabilities []string
	// Broadcasts lists untargeted command kinds the worker also accepts.
	Broadcasts []domain.CommandType
	// ResultKind is broadcast after every handled command when set.
	ResultKind    domain.CommandType
	Handlers      map[domain.CommandType]Handler
	StatusExtra   func() map[string]any
	PulseInterval time.Duration
	QueueSize     int
}

type Options struct {
	PulseInterval time.Duration
	QueueSize     int
}

func (o Options) Apply(spec Spec) Spec {
	if o.PulseInterval > 0 {
		spec.PulseInterval = o.PulseInterval
	}
	if o.QueueSize > 0 {
		spec.QueueSize = o.QueueSize
	}
	return spec
}

// Worker is the shared envelope of every agent: registration, a bounded
// inbox drained by one goroutine, status transitions and liveness pulses.
type Worker struct {
	bus    Bus
	spec   Spec
	id     string
	inbox  chan domain.Command
	logger *slog.Logger
	tracer trace.Tracer

	unsubs  []func()
	started atomic.Bool
	wg      sync.WaitGroup
}

func NewWorker(bus Bus, spec Spec, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.PulseInterval <= 0 {
		spec.PulseInterval = defaultPulseInterval
	}
	if spec.QueueSize <= 0 {
		spec.QueueSize = defaultQueueSize
	}
	w := &Worker{
		bus:    bus,
		spec:   spec,
		inbox:  make(chan domain.Command, spec.QueueSize),
		tracer: otel.Tracer("command_center/agent"),
	}
	w.id = bus.RegisterAgent(domain.AgentSpec{
		Name:         spec.Name,
		Role:         spec.Role,
		Status:       domain.AgentStatusIdle,
		Capabilities: spec.Capabilities,
	})
	w.logger = logger.With("component", "agent", "agent_id", w.id, "role", string(spec.Role))

	w.unsubs = append(w.unsubs, bus.OnAgent(w.id, w.accept))
	for _, kind := range spec.Broadcasts {
		w.unsubs = append(w.unsubs, bus.OnKind(kind, w.accept))
	}
	return w
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Name() string {
	return w.spec.Name
}

func (w *Worker) Role() domain.AgentRole {
	return w.spec.Role
}

func (w *Worker) accept(cmd domain.Command) {
	if cmd.Target != "" && cmd.Target != w.id {
		return
	}
	select {
	case w.inbox <- cmd:
	default:
		w.logger.Warn("inbox full, dropping command", "command_id", cmd.ID, "type", string(cmd.Type))
		w.bus.DeadLetter(cmd, domain.DropReasonQueueFull)
	}
}

// Start launches the inbox loop and the liveness pulse. Both stop when ctx
// is cancelled; the worker then unsubscribes and reports itself offline.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	stopPulse := startPulse(ctx, w.spec.PulseInterval, w.pulse)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				stopPulse()
				w.shutdown()
				return
			case cmd := <-w.inbox:
				w.Handle(ctx, cmd)
			}
		}
	}()
	w.logger.Info("agent started", "name", w.spec.Name)
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

// pulse refreshes the heartbeat. An agent the monitor marked offline while
// it was stalled reports itself idle again so it becomes routable.
func (w *Worker) pulse() {
	w.bus.UpdateAgentHeartbeat(w.id)
	if agent, ok := w.bus.Agent(w.id); ok && agent.Status == domain.AgentStatusOffline {
		w.logger.Info("agent back online")
		w.bus.UpdateAgentStatus(w.id, domain.AgentStatusIdle)
	}
}

func (w *Worker) shutdown() {
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.bus.UpdateAgentStatus(w.id, domain.AgentStatusOffline)
	w.logger.Info("agent stopped")
}

// Handle processes one command synchronously. The agent is busy for the
// duration and idle afterwards, whatever the outcome.
func (w *Worker) Handle(ctx context.Context, cmd domain.Command) {
	ctx, span := w.tracer.Start(ctx, "agent.handle", trace.WithAttributes(
		attribute.String("agent.id", w.id),
		attribute.String("agent.role", string(w.spec.Role)),
		attribute.String("command.id", cmd.ID),
		attribute.String("command.type", string(cmd.Type)),
	))
	defer span.End()

	w.bus.UpdateAgentStatus(w.id, domain.AgentStatusBusy)
	defer w.bus.UpdateAgentStatus(w.id, domain.AgentStatusIdle)

	if cmd.Type == domain.CommandStatus {
		w.reportStatus(cmd)
		return
	}

	handler, ok := w.spec.Handlers[cmd.Type]
	if !ok {
		w.logger.Warn("unsupported command type", "command_id", cmd.ID, "type", string(cmd.Type))
		w.bus.DeadLetter(cmd, domain.DropReasonUnsupportedType)
		return
	}

	requestID := cmd.RequestID()
	data, err := invoke(ctx, handler, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Warn("command failed", "command_id", cmd.ID, "type", string(cmd.Type), "request_id", requestID, "err", err)
		if w.spec.ResultKind != "" && requestID != "" {
			w.send(w.spec.ResultKind, "", domain.ResultPayload{
				RequestID: requestID,
				Success:   false,
				Error:     err.Error(),
			}, 1)
		}
		w.send(domain.CommandError, cmd.Source, domain.ErrorPayload{
			Message: err.Error(),
			Command: cmd.Type,
			AgentID: w.id,
		}, 2)
		return
	}

	if w.spec.ResultKind == "" {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		w.logger.Error("encode result", "command_id", cmd.ID, "err", err)
		w.send(w.spec.ResultKind, "", domain.ResultPayload{RequestID: requestID, Error: err.Error()}, 1)
		return
	}
	w.send(w.spec.ResultKind, "", domain.ResultPayload{
		RequestID: requestID,
		Success:   true,
		Data:      raw,
	}, 1)
}

func (w *Worker) reportStatus(cmd domain.Command) {
	report := domain.StatusReport{
		Agent:        w.spec.Name,
		Role:         w.spec.Role,
		Status:       "ok",
		Capabilities: w.spec.Capabilities,
	}
	if w.spec.StatusExtra != nil {
		report.Extra = w.spec.StatusExtra()
	}
	w.send(domain.CommandStatusReport, cmd.Source, report, 1)
}

func (w *Worker) send(kind domain.CommandType, target string, payload any, priority int) {
	if _, err := w.bus.SendCommand(domain.CommandInput{
		Type:     kind,
		Payload:  payload,
		Source:   w.id,
		Target:   target,
		Priority: priority,
	}); err != nil {
		w.logger.Error("send command", "type", string(kind), "target", target, "err", err)
	}
}

func invoke(ctx context.Context, handler Handler, cmd domain.Command) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, cmd)
}

func startPulse(ctx context.Context, interval time.Duration, onTick func()) func() {
	if interval <= 0 {
		interval = defaultPulseInterval
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				onTick()
			}
		}
	}()

	return func() {
		once.Do(func() { close(stop) })
		<-done
	}
}
