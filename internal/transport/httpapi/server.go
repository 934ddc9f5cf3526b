// Package httpapi exposes the command center over HTTP: registry and task
// queries, command submission and a websocket stream of bus events.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"command_center/internal/domain"
)

type Registry interface {
	Agents() []domain.Agent
	SystemStatus() domain.SystemStatus
	CommandLog(limit int) []domain.Command
	OnEvent(evt domain.EventType, fn domain.EventListener) func()
}

type Tasks interface {
	CreateTask(ctx context.Context, req domain.CreateTaskRequest, requester string) (domain.TaskView, error)
	CancelTask(ctx context.Context, ref domain.TaskRef, requester string) (domain.TaskView, error)
	GetTask(taskID string) (domain.TaskView, error)
	ListTasks() []domain.TaskView
	PlanNames() []string
}

type Commander interface {
	Send(in domain.CommandInput) (string, error)
	Request(ctx context.Context, in domain.CommandInput) (domain.Command, error)
}

type DecisionReader interface {
	ListDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error)
}

type Deps struct {
	Registry  Registry
	Tasks     Tasks
	Commander Commander
	// Decisions is optional; /audit/decisions answers 404 without it.
	Decisions DecisionReader
	// ConfigPath and ConfigRaw are echoed by GET /config.
	ConfigPath string
	ConfigRaw  map[string]any
}

type Server struct {
	deps   Deps
	echo   *echo.Echo
	hub    *Hub
	logger *slog.Logger
}

func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "httpapi")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency.String())
			return nil
		},
	}))

	s := &Server{
		deps:   deps,
		echo:   e,
		hub:    NewHub(deps.Registry, logger),
		logger: logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.Health)
	s.echo.GET("/status", s.Status)
	s.echo.GET("/config", s.Config)
	s.echo.GET("/agents", s.ListAgents)
	s.echo.GET("/commands", s.ListCommands)
	s.echo.POST("/commands", s.SendCommand)
	s.echo.GET("/tasks", s.ListTasks)
	s.echo.POST("/tasks", s.CreateTask)
	s.echo.GET("/tasks/:id", s.GetTask)
	s.echo.POST("/tasks/:id/cancel", s.CancelTask)
	s.echo.GET("/audit/decisions", s.ListDecisions)
	s.echo.GET("/events", s.hub.Serve)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("http api listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.echo.Shutdown(ctx)
}
