package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"command_center/internal/agent"
	"command_center/internal/domain"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskTerminal   = errors.New("task already finished")
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrInvalidRequest = errors.New("invalid request")
)

var CoordinatorCapabilities = []string{
	"task-management",
	"workflow-orchestration",
	"agent-coordination",
	"progress-tracking",
}

type Bus interface {
	agent.Bus
	Agents() []domain.Agent
}

type DecisionLogger interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Config struct {
	Plans       map[string]PlanTemplate
	DefaultPlan string
	// CascadeFailures fails pending stages whose prerequisite failed or was
	// cancelled. When off such stages stay pending and the task never settles.
	CascadeFailures bool
	Agent           agent.Options
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if len(c.Plans) == 0 {
		c.Plans = map[string]PlanTemplate{DefaultPlanName: DefaultPlan()}
	}
	if c.DefaultPlan == "" {
		c.DefaultPlan = DefaultPlanName
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Coordinator owns the task table. It turns create-task requests into plans,
// dispatches stages to capable agents and folds their results back in.
type Coordinator struct {
	*agent.Worker
	bus       Bus
	cfg       Config
	decisions DecisionLogger
	logger    *slog.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	tasks    map[string]*domain.Task
	order    []string
	subtasks map[string]*domain.SubTask

	unsubs []func()
}

type outbound struct {
	kind     domain.CommandType
	target   string
	payload  any
	priority int
}

// effects collects what a state transition wants to publish. They are
// flushed after the task lock is released.
type effects struct {
	commands  []outbound
	decisions []domain.DecisionLog
}

func (fx *effects) send(kind domain.CommandType, target string, payload any, priority int) {
	fx.commands = append(fx.commands, outbound{kind: kind, target: target, payload: payload, priority: priority})
}

func (fx *effects) decide(taskID, action, reason string, payload any) {
	fx.decisions = append(fx.decisions, domain.DecisionLog{
		TaskID:  taskID,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	})
}

func New(bus Bus, cfg Config, decisions DecisionLogger, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		bus:       bus,
		cfg:       cfg,
		decisions: decisions,
		tracer:    otel.Tracer("command_center/orchestrator"),
		tasks:     make(map[string]*domain.Task),
		subtasks:  make(map[string]*domain.SubTask),
	}
	kinds := []domain.CommandType{
		domain.CommandCreateTask,
		domain.CommandCancelTask,
		domain.CommandGetTask,
		domain.CommandListTasks,
	}
	c.Worker = agent.NewWorker(bus, cfg.Agent.Apply(agent.Spec{
		Name:         "Coordinator",
		Role:         domain.AgentRoleCoordinator,
		Capabilities: CoordinatorCapabilities,
		Broadcasts:   kinds,
		Handlers: map[domain.CommandType]agent.Handler{
			domain.CommandCreateTask: c.handleCreateTask,
			domain.CommandCancelTask: c.handleCancelTask,
			domain.CommandGetTask:    c.handleGetTask,
			domain.CommandListTasks:  c.handleListTasks,
			domain.CommandError:      c.handleAgentError,
		},
		StatusExtra: func() map[string]any {
			return map[string]any{"activeTasks": c.ActiveTasks()}
		},
	}), logger)
	c.logger = logger.With("component", "coordinator", "agent_id", c.ID())

	c.unsubs = append(c.unsubs,
		bus.OnKind(domain.CommandAnalysisResult, c.ingestResult),
		bus.OnKind(domain.CommandExecutionResult, c.ingestResult),
	)
	return c
}

// Close detaches the result listeners.
func (c *Coordinator) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func (c *Coordinator) handleCreateTask(ctx context.Context, cmd domain.Command) (any, error) {
	var req domain.CreateTaskRequest
	if err := cmd.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return c.CreateTask(ctx, req, cmd.Source)
}

func (c *Coordinator) handleCancelTask(ctx context.Context, cmd domain.Command) (any, error) {
	var ref domain.TaskRef
	if err := cmd.Decode(&ref); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return c.CancelTask(ctx, ref, cmd.Source)
}

func (c *Coordinator) handleGetTask(_ context.Context, cmd domain.Command) (any, error) {
	var ref domain.TaskRef
	if err := cmd.Decode(&ref); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	view, err := c.GetTask(ref.TaskID)
	if err != nil {
		return nil, err
	}
	c.publish(outbound{
		kind:     domain.CommandTaskInfo,
		target:   cmd.Source,
		payload:  domain.TaskEnvelope{TaskID: view.ID, Task: view, RequestID: ref.RequestID},
		priority: 1,
	})
	return view, nil
}

// handleAgentError absorbs error replies to commands the coordinator sent.
// Stage failures already arrive as failed results.
func (c *Coordinator) handleAgentError(_ context.Context, cmd domain.Command) (any, error) {
	var report domain.ErrorPayload
	if err := cmd.Decode(&report); err != nil {
		c.logger.Warn("undecodable error report", "command_id", cmd.ID, "source", cmd.Source, "err", err)
		return nil, nil
	}
	c.logger.Info("agent reported error",
		"source", cmd.Source,
		"command", string(report.Command),
		"message", report.Message,
	)
	return nil, nil
}

func (c *Coordinator) handleListTasks(_ context.Context, cmd domain.Command) (any, error) {
	tasks := c.ListTasks()
	c.publish(outbound{
		kind:     domain.CommandTaskList,
		target:   cmd.Source,
		payload:  domain.TaskListPayload{Tasks: tasks},
		priority: 1,
	})
	return tasks, nil
}

// CreateTask registers a task, expands its plan into subtasks, acknowledges
// the requester with task-created and starts execution.
func (c *Coordinator) CreateTask(ctx context.Context, req domain.CreateTaskRequest, requester string) (domain.TaskView, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return domain.TaskView{}, fmt.Errorf("%w: task title is required", ErrInvalidRequest)
	}
	planName := c.cfg.DefaultPlan
	if name, ok := req.Metadata["plan"].(string); ok && strings.TrimSpace(name) != "" {
		planName = strings.TrimSpace(name)
	}
	plan, ok := c.cfg.Plans[planName]
	if !ok {
		return domain.TaskView{}, fmt.Errorf("%w %q", ErrUnknownPlan, planName)
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.create_task", trace.WithAttributes(
		attribute.String("plan", planName),
	))
	defer span.End()

	now := c.cfg.Now()
	priority := req.Priority
	if priority == 0 {
		priority = 1
	}
	task := &domain.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: req.Description,
		Status:      domain.TaskStatusPending,
		Priority:    priority,
		Metadata:    maps.Clone(req.Metadata),
		Plan:        planName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.planTask(task, plan, now)
	span.SetAttributes(attribute.String("task.id", task.ID))

	c.mu.Lock()
	c.tasks[task.ID] = task
	c.order = append(c.order, task.ID)
	for _, st := range task.Subtasks {
		c.subtasks[st.ID] = st
	}
	view := task.View()
	c.mu.Unlock()

	c.logger.Info("task created", "task_id", task.ID, "title", title, "plan", planName, "stages", len(task.Subtasks))
	var fx effects
	fx.decide(task.ID, "task_created", "task accepted", map[string]any{
		"title":     title,
		"plan":      planName,
		"priority":  priority,
		"requester": requester,
	})
	fx.send(domain.CommandTaskCreated, requester, domain.TaskEnvelope{TaskID: task.ID, Task: view, RequestID: req.RequestID}, 1)
	c.flush(ctx, fx)

	c.executeTask(ctx, task.ID)

	out, err := c.GetTask(task.ID)
	if err != nil {
		return view, nil
	}
	return out, nil
}

func (c *Coordinator) planTask(task *domain.Task, plan PlanTemplate, now time.Time) {
	task.Subtasks = make([]*domain.SubTask, 0, len(plan.Stages))
	for _, stage := range plan.Stages {
		title := renderText(stage.Title, task)
		if title == "" {
			title = stage.Key
		}
		task.Subtasks = append(task.Subtasks, &domain.SubTask{
			ID:        uuid.NewString(),
			ParentID:  task.ID,
			Stage:     stage.Key,
			DependsOn: stage.DependsOn,
			Title:     title,
			Status:    domain.TaskStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
}

func (c *Coordinator) executeTask(ctx context.Context, taskID string) {
	var fx effects
	routingMiss := false

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	task.Status = domain.TaskStatusInProgress
	task.UpdatedAt = c.cfg.Now()
	for _, st := range task.Subtasks {
		if st.Status == domain.TaskStatusPending && st.DependsOn == "" {
			if !c.dispatchLocked(task, st, &fx) {
				routingMiss = true
			}
		}
	}
	view := task.View()
	c.mu.Unlock()

	fx.send(domain.CommandTaskStarted, "", domain.TaskEnvelope{TaskID: taskID, Task: view}, 1)
	c.flush(ctx, fx)

	if routingMiss {
		c.updateTaskProgress(ctx, taskID)
	}
}

// dispatchLocked assigns st to a capable agent and queues the stage command.
// It reports false when no agent qualifies, leaving st failed.
func (c *Coordinator) dispatchLocked(task *domain.Task, st *domain.SubTask, fx *effects) bool {
	now := c.cfg.Now()
	stage, ok := c.cfg.Plans[task.Plan].Stage(st.Stage)
	if !ok {
		st.Status = domain.TaskStatusFailed
		st.Error = fmt.Sprintf("stage %s missing from plan %s", st.Stage, task.Plan)
		st.UpdatedAt = now
		return false
	}

	agentID := c.pickAgent(stage.Capabilities)
	if agentID == "" {
		st.Status = domain.TaskStatusFailed
		st.Error = fmt.Sprintf("no agent provides capabilities %v", stage.Capabilities)
		st.UpdatedAt = now
		c.logger.Warn("no agent for stage", "task_id", task.ID, "stage", st.Stage, "capabilities", stage.Capabilities)
		fx.decide(task.ID, "subtask_unroutable", st.Error, map[string]any{"subtask_id": st.ID, "stage": st.Stage})
		return false
	}

	st.AssignedAgentID = agentID
	st.Status = domain.TaskStatusInProgress
	st.UpdatedAt = now
	if !containsString(task.AssignedAgents, agentID) {
		task.AssignedAgents = append(task.AssignedAgents, agentID)
	}
	fx.send(stage.Command, agentID, renderPayload(stage.Payload, task, st.ID), task.Priority)
	fx.decide(task.ID, "subtask_dispatched", "stage ready", map[string]any{
		"subtask_id": st.ID,
		"stage":      st.Stage,
		"agent_id":   agentID,
		"command":    stage.Command,
	})
	return true
}

// pickAgent prefers the first idle agent holding every capability and falls
// back to the first one that is merely online.
func (c *Coordinator) pickAgent(capabilities []string) string {
	fallback := ""
	for _, a := range c.bus.Agents() {
		if a.ID == c.ID() || a.Status == domain.AgentStatusOffline || !a.HasCapabilities(capabilities) {
			continue
		}
		if a.Status == domain.AgentStatusIdle {
			return a.ID
		}
		if fallback == "" {
			fallback = a.ID
		}
	}
	return fallback
}

func (c *Coordinator) ingestResult(cmd domain.Command) {
	var res domain.ResultPayload
	if err := cmd.Decode(&res); err != nil || res.RequestID == "" {
		return
	}

	c.mu.Lock()
	st, ok := c.subtasks[res.RequestID]
	if !ok || st.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	if res.Success {
		st.Status = domain.TaskStatusCompleted
		st.Result = res.Data
	} else {
		st.Status = domain.TaskStatusFailed
		st.Error = res.Error
		if st.Error == "" {
			st.Error = "stage failed"
		}
	}
	st.UpdatedAt = c.cfg.Now()
	taskID := st.ParentID
	stageKey := st.Stage
	status := st.Status
	c.mu.Unlock()

	ctx := context.Background()
	c.logger.Info("stage result", "task_id", taskID, "stage", stageKey, "status", string(status), "from", cmd.Source)
	var fx effects
	fx.decide(taskID, "subtask_result", "result received", map[string]any{
		"subtask_id": res.RequestID,
		"stage":      stageKey,
		"status":     status,
		"agent_id":   cmd.Source,
		"error":      res.Error,
	})
	c.flush(ctx, fx)
	c.updateTaskProgress(ctx, taskID)
}

func (c *Coordinator) updateTaskProgress(ctx context.Context, taskID string) {
	var fx effects

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status.Terminal() {
		c.mu.Unlock()
		return
	}

	for changed := true; changed; {
		changed = false
		for _, st := range task.Subtasks {
			if st.Status != domain.TaskStatusPending || st.DependsOn == "" {
				continue
			}
			dep := task.Stage(st.DependsOn)
			if dep == nil {
				continue
			}
			switch dep.Status {
			case domain.TaskStatusCompleted:
				c.dispatchLocked(task, st, &fx)
				changed = true
			case domain.TaskStatusFailed, domain.TaskStatusCancelled:
				if c.cfg.CascadeFailures {
					st.Status = domain.TaskStatusFailed
					st.Error = fmt.Sprintf("prerequisite stage %s %s", dep.Stage, dep.Status)
					st.UpdatedAt = c.cfg.Now()
					changed = true
				}
			}
		}
	}

	previous := task.Status
	settled, anyFailed := true, false
	for _, st := range task.Subtasks {
		if !st.Status.Settled() {
			settled = false
		}
		if st.Status == domain.TaskStatusFailed {
			anyFailed = true
		}
	}
	if settled && len(task.Subtasks) > 0 {
		if anyFailed {
			task.Status = domain.TaskStatusFailed
		} else {
			task.Status = domain.TaskStatusCompleted
		}
		task.UpdatedAt = c.cfg.Now()
	}
	view := task.View()
	c.mu.Unlock()

	if view.Status != previous {
		kind := domain.CommandTaskCompleted
		if view.Status == domain.TaskStatusFailed {
			kind = domain.CommandTaskFailed
		}
		c.logger.Info("task finished", "task_id", taskID, "status", string(view.Status))
		fx.send(kind, "", domain.TaskEnvelope{TaskID: taskID, Task: view}, 1)
		fx.send(domain.CommandTaskUpdated, "", domain.TaskEnvelope{TaskID: taskID, Task: view}, 1)
		fx.decide(taskID, "task_status", "all stages settled", map[string]any{"from": previous, "to": view.Status})
	}
	c.flush(ctx, fx)
}

// CancelTask stops further dispatch for a task. Agents already working on a
// stage are not interrupted; their results are ignored.
func (c *Coordinator) CancelTask(ctx context.Context, ref domain.TaskRef, requester string) (domain.TaskView, error) {
	c.mu.Lock()
	task, ok := c.tasks[ref.TaskID]
	if !ok {
		c.mu.Unlock()
		return domain.TaskView{}, fmt.Errorf("%w: %s", ErrTaskNotFound, ref.TaskID)
	}
	if task.Status.Terminal() {
		status := task.Status
		c.mu.Unlock()
		return domain.TaskView{}, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, ref.TaskID, status)
	}
	now := c.cfg.Now()
	previous := task.Status
	task.Status = domain.TaskStatusCancelled
	task.UpdatedAt = now
	for _, st := range task.Subtasks {
		if !st.Status.Terminal() {
			st.Status = domain.TaskStatusCancelled
			st.UpdatedAt = now
		}
	}
	view := task.View()
	c.mu.Unlock()

	c.logger.Info("task cancelled", "task_id", ref.TaskID, "requester", requester)
	var fx effects
	fx.send(domain.CommandTaskCancelled, requester, domain.TaskEnvelope{TaskID: view.ID, Task: view, RequestID: ref.RequestID}, 1)
	fx.send(domain.CommandTaskUpdated, "", domain.TaskEnvelope{TaskID: view.ID, Task: view}, 1)
	fx.decide(view.ID, "task_status", "cancelled by request", map[string]any{"from": previous, "to": view.Status, "requester": requester})
	c.flush(ctx, fx)
	return view, nil
}

func (c *Coordinator) GetTask(taskID string) (domain.TaskView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return domain.TaskView{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.View(), nil
}

// Subtask returns a copy of a subtask including its result payload.
func (c *Coordinator) Subtask(subtaskID string) (domain.SubTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.subtasks[subtaskID]
	if !ok {
		return domain.SubTask{}, false
	}
	return *st, true
}

// ListTasks returns tasks in creation order.
func (c *Coordinator) ListTasks() []domain.TaskView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TaskView, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.tasks[id].View())
	}
	return out
}

func (c *Coordinator) ActiveTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tasks {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

func (c *Coordinator) PlanNames() []string {
	return PlanNames(c.cfg.Plans)
}

func (c *Coordinator) flush(ctx context.Context, fx effects) {
	for _, entry := range fx.decisions {
		c.logDecision(ctx, entry)
	}
	for _, out := range fx.commands {
		c.publish(out)
	}
}

func (c *Coordinator) publish(out outbound) {
	if _, err := c.bus.SendCommand(domain.CommandInput{
		Type:     out.kind,
		Payload:  out.payload,
		Source:   c.ID(),
		Target:   out.target,
		Priority: out.priority,
	}); err != nil {
		c.logger.Error("send command", "type", string(out.kind), "target", out.target, "err", err)
	}
}

func (c *Coordinator) logDecision(ctx context.Context, entry domain.DecisionLog) {
	if c.decisions == nil || entry.TaskID == "" || entry.Action == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	entry.Actor = c.ID()
	if len(entry.Payload) == 0 {
		entry.Payload = []byte("{}")
	}
	if err := c.decisions.LogDecision(ctx, entry); err != nil {
		c.logger.Warn("log decision", "task_id", entry.TaskID, "action", entry.Action, "err", err)
	}
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
