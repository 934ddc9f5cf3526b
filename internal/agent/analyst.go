package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"command_center/internal/diagnostics"
	"command_center/internal/domain"
)

const maxProjectFiles = 10000

// Workspace is the sandboxed file access an agent acts through.
type Workspace interface {
	Root() string
	ReadFile(ctx context.Context, agentID, relPath string) ([]byte, error)
	WriteFile(ctx context.Context, agentID, relPath string, content []byte) error
	DeleteFile(ctx context.Context, agentID, relPath string, recursive bool) error
	Search(ctx context.Context, agentID, pattern string, exclude []string, maxResults int) ([]string, error)
}

type Diagnostics interface {
	Collect(ctx context.Context) ([]diagnostics.FileDiagnostics, error)
}

type CodeAnalysis struct {
	Length     int      `json:"length"`
	LineCount  int      `json:"lineCount"`
	Patterns   []string `json:"patterns"`
	Complexity int      `json:"complexity"`
}

type ProjectAnalysis struct {
	RootPath   string         `json:"rootPath"`
	FileCount  int            `json:"fileCount"`
	Extensions map[string]int `json:"extensions"`
	Overview   string         `json:"overview"`
}

type FileAnalysis struct {
	Path       string   `json:"path"`
	Name       string   `json:"name"`
	Extension  string   `json:"extension"`
	LineCount  int      `json:"lineCount"`
	Size       int      `json:"size"`
	Patterns   []string `json:"patterns"`
	Complexity int      `json:"complexity"`
}

type DiagnosticAnalysis struct {
	TotalProblems int                           `json:"totalProblems"`
	FileCount     int                           `json:"fileCount"`
	Details       []diagnostics.FileDiagnostics `json:"details"`
}

var AnalystCapabilities = []string{
	"code-analysis",
	"pattern-recognition",
	"problem-detection",
	"optimization-suggestions",
}

type Analyst struct {
	*Worker
	workspace   Workspace
	diagnostics Diagnostics
}

// NewAnalyst registers an analyst. Either dependency may be nil, in which
// case the analysis types that need it fail.
func NewAnalyst(bus Bus, workspace Workspace, diag Diagnostics, opts Options, logger *slog.Logger) *Analyst {
	a := &Analyst{workspace: workspace, diagnostics: diag}
	a.Worker = NewWorker(bus, opts.Apply(Spec{
		Name:         "Analyst",
		Role:         domain.AgentRoleAnalyst,
		Capabilities: AnalystCapabilities,
		Broadcasts:   []domain.CommandType{domain.CommandAnalyze},
		ResultKind:   domain.CommandAnalysisResult,
		Handlers: map[domain.CommandType]Handler{
			domain.CommandAnalyze: a.analyze,
		},
	}), logger)
	return a
}

func (a *Analyst) analyze(ctx context.Context, cmd domain.Command) (any, error) {
	var req domain.AnalysisRequest
	if err := cmd.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode analysis request: %w", err)
	}
	switch req.Type {
	case "code":
		code, _ := req.Options["code"].(string)
		if code == "" {
			return nil, errors.New("no code provided for analysis")
		}
		return analyzeCode(code), nil
	case "project":
		return a.analyzeProject(ctx, req)
	case "file":
		return a.analyzeFile(ctx, req)
	case "diagnostic":
		return a.analyzeDiagnostics(ctx)
	default:
		return nil, fmt.Errorf("unsupported analysis type %q", req.Type)
	}
}

func analyzeCode(code string) CodeAnalysis {
	return CodeAnalysis{
		Length:     len(code),
		LineCount:  lineCount(code),
		Patterns:   DetectPatterns(code),
		Complexity: EstimateComplexity(code),
	}
}

func (a *Analyst) analyzeProject(ctx context.Context, req domain.AnalysisRequest) (ProjectAnalysis, error) {
	if a.workspace == nil {
		return ProjectAnalysis{}, errors.New("no workspace open")
	}
	pattern := "**/*"
	if p, ok := req.Options["pattern"].(string); ok && p != "" {
		pattern = p
	}
	files, err := a.workspace.Search(ctx, a.ID(), pattern, nil, maxProjectFiles)
	if err != nil {
		return ProjectAnalysis{}, fmt.Errorf("list project files: %w", err)
	}
	exts := make(map[string]int)
	for _, f := range files {
		ext := strings.TrimPrefix(path.Ext(f), ".")
		if ext == "" {
			ext = "(none)"
		}
		exts[ext]++
	}
	return ProjectAnalysis{
		RootPath:   a.workspace.Root(),
		FileCount:  len(files),
		Extensions: exts,
		Overview:   projectOverview(len(files), exts),
	}, nil
}

func projectOverview(total int, exts map[string]int) string {
	if total == 0 {
		return "project analysis completed: no files"
	}
	keys := make([]string, 0, len(exts))
	for k := range exts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if exts[keys[i]] != exts[keys[j]] {
			return exts[keys[i]] > exts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > 3 {
		keys = keys[:3]
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, exts[k]))
	}
	return fmt.Sprintf("project analysis completed: %d files (%s)", total, strings.Join(parts, ", "))
}

func (a *Analyst) analyzeFile(ctx context.Context, req domain.AnalysisRequest) (FileAnalysis, error) {
	if req.Target == "" {
		return FileAnalysis{}, errors.New("no file specified for analysis")
	}
	if a.workspace == nil {
		return FileAnalysis{}, errors.New("no workspace open")
	}
	content, err := a.workspace.ReadFile(ctx, a.ID(), req.Target)
	if err != nil {
		return FileAnalysis{}, err
	}
	code := string(content)
	return FileAnalysis{
		Path:       req.Target,
		Name:       path.Base(req.Target),
		Extension:  path.Ext(req.Target),
		LineCount:  lineCount(code),
		Size:       len(content),
		Patterns:   DetectPatterns(code),
		Complexity: EstimateComplexity(code),
	}, nil
}

func (a *Analyst) analyzeDiagnostics(ctx context.Context) (DiagnosticAnalysis, error) {
	if a.diagnostics == nil {
		return DiagnosticAnalysis{}, errors.New("diagnostics unavailable")
	}
	files, err := a.diagnostics.Collect(ctx)
	if err != nil {
		return DiagnosticAnalysis{}, err
	}
	return DiagnosticAnalysis{
		TotalProblems: diagnostics.TotalProblems(files),
		FileCount:     len(files),
		Details:       files,
	}, nil
}
