package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"command_center/internal/domain"
	"command_center/internal/messaging/inproc"
	"command_center/internal/orchestrator"
)

const (
	defaultCommandLimit = 100
	maxWait             = 2 * time.Minute
)

// CommandRequest is the body of POST /commands. With WaitMS set the call
// blocks until the correlated reply arrives or the wait expires.
type CommandRequest struct {
	Type     domain.CommandType `json:"type"`
	Target   string             `json:"target,omitempty"`
	Priority int                `json:"priority,omitempty"`
	Payload  json.RawMessage    `json:"payload,omitempty"`
	WaitMS   int                `json:"wait_ms,omitempty"`
}

type StatusResponse struct {
	domain.SystemStatus
	Tasks       int      `json:"tasks"`
	ActiveTasks int      `json:"activeTasks"`
	Plans       []string `json:"plans"`
	Listeners   int      `json:"eventListeners"`
}

func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) Config(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"path": s.deps.ConfigPath,
		"raw":  s.deps.ConfigRaw,
	})
}

// Status returns the registry snapshot plus task counters.
// GET /status
func (s *Server) Status(c echo.Context) error {
	tasks := s.deps.Tasks.ListTasks()
	active := 0
	for _, t := range tasks {
		if !t.Status.Terminal() {
			active++
		}
	}
	return c.JSON(http.StatusOK, StatusResponse{
		SystemStatus: s.deps.Registry.SystemStatus(),
		Tasks:        len(tasks),
		ActiveTasks:  active,
		Plans:        s.deps.Tasks.PlanNames(),
		Listeners:    s.hub.Count(),
	})
}

// GET /agents
func (s *Server) ListAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"agents": s.deps.Registry.Agents()})
}

// ListCommands returns the most recent commands, oldest first.
// GET /commands?limit=
func (s *Server) ListCommands(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultCommandLimit)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]any{"commands": s.deps.Registry.CommandLog(limit)})
}

// SendCommand publishes a command as the operator.
// POST /commands
func (s *Server) SendCommand(c echo.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	if !req.Type.Valid() {
		return c.JSON(http.StatusBadRequest, errorBody("unknown command type "+strconv.Quote(string(req.Type))))
	}
	in := domain.CommandInput{
		Type:     req.Type,
		Target:   req.Target,
		Priority: req.Priority,
	}
	if len(req.Payload) > 0 {
		in.Payload = req.Payload
	}

	if req.WaitMS <= 0 {
		id, err := s.deps.Commander.Send(in)
		if err != nil {
			return s.commandError(c, err)
		}
		return c.JSON(http.StatusAccepted, map[string]any{"id": id})
	}

	wait := time.Duration(req.WaitMS) * time.Millisecond
	if wait > maxWait {
		wait = maxWait
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), wait)
	defer cancel()
	reply, err := s.deps.Commander.Request(ctx, in)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return c.JSON(http.StatusGatewayTimeout, errorBody("no reply within "+wait.String()))
		}
		return s.commandError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"reply": reply})
}

func (s *Server) commandError(c echo.Context, err error) error {
	if !errors.Is(err, inproc.ErrUnknownCommandType) {
		s.logger.Warn("command rejected", "error", err)
	}
	return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
}

// GET /tasks
func (s *Server) ListTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, domain.TaskListPayload{Tasks: s.deps.Tasks.ListTasks()})
}

// POST /tasks
func (s *Server) CreateTask(c echo.Context) error {
	var req domain.CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	view, err := s.deps.Tasks.CreateTask(c.Request().Context(), req, "")
	if err != nil {
		return s.taskError(c, err)
	}
	return c.JSON(http.StatusCreated, domain.TaskEnvelope{TaskID: view.ID, Task: view, RequestID: req.RequestID})
}

// GET /tasks/:id
func (s *Server) GetTask(c echo.Context) error {
	view, err := s.deps.Tasks.GetTask(c.Param("id"))
	if err != nil {
		return s.taskError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// POST /tasks/:id/cancel
func (s *Server) CancelTask(c echo.Context) error {
	view, err := s.deps.Tasks.CancelTask(c.Request().Context(), domain.TaskRef{TaskID: c.Param("id")}, "")
	if err != nil {
		return s.taskError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) taskError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		return c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, orchestrator.ErrTaskTerminal):
		return c.JSON(http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, orchestrator.ErrUnknownPlan):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	default:
		s.logger.Error("task request failed", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody("task request failed"))
	}
}

// GET /audit/decisions?task_id=&limit=
func (s *Server) ListDecisions(c echo.Context) error {
	if s.deps.Decisions == nil {
		return c.JSON(http.StatusNotFound, errorBody("audit journal is disabled"))
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}
	entries, err := s.deps.Decisions.ListDecisions(c.Request().Context(), c.QueryParam("task_id"), limit)
	if err != nil {
		s.logger.Error("list decisions failed", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody("failed to list decisions"))
	}
	return c.JSON(http.StatusOK, map[string]any{"decisions": entries})
}

func queryInt(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
