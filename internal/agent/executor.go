package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"command_center/internal/domain"
	"command_center/internal/shell"
)

type Shell interface {
	Run(ctx context.Context, command string) (shell.Result, error)
	StartSession(ctx context.Context) (*shell.Session, error)
}

type Formatter interface {
	Format(ctx context.Context, path string, src []byte) (string, []byte, error)
}

var ExecutorCapabilities = []string{
	"file-operations",
	"terminal-execution",
	"workspace-actions",
}

type fileRequest struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Recursive bool   `json:"recursive"`
}

type terminalRequest struct {
	Command string `json:"command"`
}

type searchRequest struct {
	Pattern    string   `json:"pattern"`
	Exclude    []string `json:"exclude"`
	MaxResults int      `json:"maxResults"`
}

type FileResult struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Written bool   `json:"written,omitempty"`
}

type SessionResult struct {
	Command string `json:"command,omitempty"`
	Sent    bool   `json:"sent"`
	Output  string `json:"output,omitempty"`
}

type SearchResult struct {
	Pattern string   `json:"pattern"`
	Files   []string `json:"files"`
}

type FormatResult struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Changed  bool   `json:"changed"`
}

type Executor struct {
	*Worker
	workspace Workspace
	shell     Shell
	formatter Formatter

	mu         sync.Mutex
	sessionCtx context.Context
	session    *shell.Session
}

func NewExecutor(bus Bus, workspace Workspace, sh Shell, formatter Formatter, opts Options, logger *slog.Logger) *Executor {
	e := &Executor{
		workspace:  workspace,
		shell:      sh,
		formatter:  formatter,
		sessionCtx: context.Background(),
	}
	e.Worker = NewWorker(bus, opts.Apply(Spec{
		Name:         "Executor",
		Role:         domain.AgentRoleExecutor,
		Capabilities: ExecutorCapabilities,
		Broadcasts:   []domain.CommandType{domain.CommandExecute},
		ResultKind:   domain.CommandExecutionResult,
		Handlers: map[domain.CommandType]Handler{
			domain.CommandExecute: e.execute,
		},
		StatusExtra: e.statusExtra,
	}), logger)
	return e
}

// Start runs the worker loop. The interactive shell session, once opened,
// lives as long as ctx.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	e.sessionCtx = ctx
	e.mu.Unlock()
	e.Worker.Start(ctx)
}

func (e *Executor) Close() error {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (e *Executor) statusExtra() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{"sessionAlive": e.session != nil && e.session.Alive()}
}

func (e *Executor) execute(ctx context.Context, cmd domain.Command) (any, error) {
	var req domain.ExecutionRequest
	if err := cmd.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode execution request: %w", err)
	}
	switch req.Type {
	case "file":
		return e.fileOperation(ctx, req)
	case "terminal":
		return e.terminal(ctx, req)
	case "workspace":
		return e.workspaceAction(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported execution type %q", req.Type)
	}
}

func decodeInner(req domain.ExecutionRequest, out any) error {
	if len(req.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", req.Type, err)
	}
	return nil
}

func (e *Executor) fileOperation(ctx context.Context, req domain.ExecutionRequest) (FileResult, error) {
	if e.workspace == nil {
		return FileResult{}, errors.New("no workspace open")
	}
	var in fileRequest
	if err := decodeInner(req, &in); err != nil {
		return FileResult{}, err
	}
	if in.Path == "" {
		return FileResult{}, errors.New("file path is required")
	}
	switch req.Action {
	case "read":
		content, err := e.workspace.ReadFile(ctx, e.ID(), in.Path)
		if err != nil {
			return FileResult{}, err
		}
		return FileResult{Path: in.Path, Content: string(content)}, nil
	case "write":
		if err := e.workspace.WriteFile(ctx, e.ID(), in.Path, []byte(in.Content)); err != nil {
			return FileResult{}, err
		}
		return FileResult{Path: in.Path, Written: true}, nil
	case "delete":
		if err := e.workspace.DeleteFile(ctx, e.ID(), in.Path, true); err != nil {
			return FileResult{}, err
		}
		return FileResult{Path: in.Path, Deleted: true}, nil
	default:
		return FileResult{}, fmt.Errorf("unsupported file action %q", req.Action)
	}
}

func (e *Executor) terminal(ctx context.Context, req domain.ExecutionRequest) (any, error) {
	if e.shell == nil {
		return nil, errors.New("terminal unavailable")
	}
	var in terminalRequest
	if err := decodeInner(req, &in); err != nil {
		return nil, err
	}
	switch req.Action {
	case "", "execute":
		if strings.TrimSpace(in.Command) == "" {
			return nil, errors.New("command is required")
		}
		res, err := e.shell.Run(ctx, in.Command)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("command exited with status %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
		}
		return res, nil
	case "send":
		if strings.TrimSpace(in.Command) == "" {
			return nil, errors.New("command is required")
		}
		s, err := e.ensureSession()
		if err != nil {
			return nil, err
		}
		if err := s.Send(in.Command); err != nil {
			return nil, err
		}
		return SessionResult{Command: in.Command, Sent: true}, nil
	case "output":
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		if s == nil {
			return SessionResult{}, nil
		}
		return SessionResult{Output: s.Output()}, nil
	default:
		return nil, fmt.Errorf("unsupported terminal action %q", req.Action)
	}
}

func (e *Executor) ensureSession() (*shell.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil && e.session.Alive() {
		return e.session, nil
	}
	s, err := e.shell.StartSession(e.sessionCtx)
	if err != nil {
		return nil, fmt.Errorf("start terminal session: %w", err)
	}
	e.session = s
	return s, nil
}

func (e *Executor) workspaceAction(ctx context.Context, req domain.ExecutionRequest) (any, error) {
	if e.workspace == nil {
		return nil, errors.New("no workspace open")
	}
	switch req.Action {
	case "search":
		var in searchRequest
		if err := decodeInner(req, &in); err != nil {
			return nil, err
		}
		if in.Pattern == "" {
			return nil, errors.New("search pattern is required")
		}
		files, err := e.workspace.Search(ctx, e.ID(), in.Pattern, in.Exclude, in.MaxResults)
		if err != nil {
			return nil, err
		}
		return SearchResult{Pattern: in.Pattern, Files: files}, nil
	case "format":
		if e.formatter == nil {
			return nil, errors.New("formatting unavailable")
		}
		var in fileRequest
		if err := decodeInner(req, &in); err != nil {
			return nil, err
		}
		if in.Path == "" {
			return nil, errors.New("file path is required")
		}
		src, err := e.workspace.ReadFile(ctx, e.ID(), in.Path)
		if err != nil {
			return nil, err
		}
		lang, out, err := e.formatter.Format(ctx, in.Path, src)
		if err != nil {
			return nil, err
		}
		changed := !bytes.Equal(src, out)
		if changed {
			if err := e.workspace.WriteFile(ctx, e.ID(), in.Path, out); err != nil {
				return nil, err
			}
		}
		return FormatResult{Path: in.Path, Language: lang, Changed: changed}, nil
	default:
		return nil, fmt.Errorf("unsupported workspace action %q", req.Action)
	}
}
