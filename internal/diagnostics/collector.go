package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/format"
	"go/parser"
	"go/scanner"
	"go/token"
	"sort"
	"sync"
)

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "information"
)

type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type Problem struct {
	Message  string `json:"message"`
	Range    Range  `json:"range"`
	Severity string `json:"severity"`
	Source   string `json:"source,omitempty"`
}

type FileDiagnostics struct {
	File     string    `json:"file"`
	Problems []Problem `json:"problems"`
}

type Workspace interface {
	Search(ctx context.Context, agentID, pattern string, exclude []string, maxResults int) ([]string, error)
	ReadFile(ctx context.Context, agentID, relPath string) ([]byte, error)
}

// Collector gathers problems from Go sources in the workspace and from
// reports published by external tools.
type Collector struct {
	workspace Workspace
	agentID   string
	maxFiles  int

	mu        sync.RWMutex
	published map[string][]Problem
}

func NewCollector(workspace Workspace, agentID string) *Collector {
	return &Collector{
		workspace: workspace,
		agentID:   agentID,
		maxFiles:  2000,
		published: make(map[string][]Problem),
	}
}

func (c *Collector) Publish(file string, problems []Problem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(problems) == 0 {
		delete(c.published, file)
		return
	}
	c.published[file] = append([]Problem(nil), problems...)
}

// Collect returns only files that have at least one problem, sorted by path.
func (c *Collector) Collect(ctx context.Context) ([]FileDiagnostics, error) {
	byFile := make(map[string][]Problem)

	if c.workspace != nil {
		files, err := c.workspace.Search(ctx, c.agentID, "**/*.go", nil, c.maxFiles)
		if err != nil {
			return nil, fmt.Errorf("list go files: %w", err)
		}
		for _, file := range files {
			src, err := c.workspace.ReadFile(ctx, c.agentID, file)
			if err != nil {
				byFile[file] = append(byFile[file], Problem{
					Message:  err.Error(),
					Severity: SeverityWarning,
					Source:   "workspace",
				})
				continue
			}
			byFile[file] = append(byFile[file], CheckGoSource(file, src)...)
		}
	}

	c.mu.RLock()
	for file, problems := range c.published {
		byFile[file] = append(byFile[file], problems...)
	}
	c.mu.RUnlock()

	out := make([]FileDiagnostics, 0, len(byFile))
	for file, problems := range byFile {
		if len(problems) == 0 {
			continue
		}
		out = append(out, FileDiagnostics{File: file, Problems: problems})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

// CheckGoSource reports syntax errors, or gofmt drift when the file parses.
func CheckGoSource(file string, src []byte) []Problem {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, file, src, parser.AllErrors)
	if err != nil {
		var list scanner.ErrorList
		if errors.As(err, &list) {
			problems := make([]Problem, 0, len(list))
			for _, e := range list {
				pos := Position{Line: e.Pos.Line - 1, Character: e.Pos.Column - 1}
				problems = append(problems, Problem{
					Message:  e.Msg,
					Range:    Range{Start: pos, End: pos},
					Severity: SeverityError,
					Source:   "go/parser",
				})
			}
			return problems
		}
		return []Problem{{Message: err.Error(), Severity: SeverityError, Source: "go/parser"}}
	}

	formatted, err := format.Source(src)
	if err == nil && !bytes.Equal(formatted, src) {
		return []Problem{{
			Message:  "file is not gofmt-formatted",
			Severity: SeverityInfo,
			Source:   "gofmt",
		}}
	}
	return nil
}

func TotalProblems(files []FileDiagnostics) int {
	total := 0
	for _, f := range files {
		total += len(f.Problems)
	}
	return total
}
