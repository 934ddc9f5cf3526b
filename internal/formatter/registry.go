package formatter

import (
	"context"
	"errors"
	"fmt"
	"go/format"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"command_center/internal/config"
	"command_center/internal/shell"
)

var ErrNoFormatter = errors.New("no formatter for language")

type Formatter interface {
	Format(ctx context.Context, path string, src []byte) ([]byte, error)
}

var defaultLanguages = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".json": "json",
	".py":   "python",
	".rs":   "rust",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".sh":   "shell",
}

// Registry maps detected languages to formatters.
type Registry struct {
	mu         sync.RWMutex
	languages  map[string]string
	formatters map[string]Formatter
}

func NewRegistry() *Registry {
	r := &Registry{
		languages:  make(map[string]string, len(defaultLanguages)),
		formatters: make(map[string]Formatter),
	}
	for ext, lang := range defaultLanguages {
		r.languages[ext] = lang
	}
	r.formatters["go"] = GoFormatter{}
	return r
}

type CommandRunner interface {
	RunInput(ctx context.Context, command string, stdin []byte) (shell.Result, error)
}

func FromConfig(cfg map[string]config.FormatterConfig, runner CommandRunner) *Registry {
	r := NewRegistry()
	for lang, fc := range cfg {
		if strings.TrimSpace(fc.Command) == "" {
			continue
		}
		r.Register(lang, fc.Extensions, CommandFormatter{Runner: runner, Command: fc.Command})
	}
	return r
}

func (r *Registry) Register(lang string, extensions []string, f Formatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.languages[ext] = lang
	}
	r.formatters[lang] = f
}

func (r *Registry) Detect(path string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.languages[strings.ToLower(filepath.Ext(path))]
}

func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.formatters))
	for lang := range r.formatters {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Format(ctx context.Context, path string, src []byte) (string, []byte, error) {
	lang := r.Detect(path)
	r.mu.RLock()
	f, ok := r.formatters[lang]
	r.mu.RUnlock()
	if !ok {
		if lang == "" {
			lang = strings.TrimPrefix(filepath.Ext(path), ".")
		}
		return lang, nil, fmt.Errorf("%w %q", ErrNoFormatter, lang)
	}
	out, err := f.Format(ctx, path, src)
	if err != nil {
		return lang, nil, err
	}
	return lang, out, nil
}

type GoFormatter struct{}

func (GoFormatter) Format(_ context.Context, path string, src []byte) ([]byte, error) {
	out, err := format.Source(src)
	if err != nil {
		return nil, fmt.Errorf("gofmt %s: %w", path, err)
	}
	return out, nil
}

// CommandFormatter pipes the source through an external command. "{path}" in
// the command is replaced with the file path.
type CommandFormatter struct {
	Runner  CommandRunner
	Command string
}

func (f CommandFormatter) Format(ctx context.Context, path string, src []byte) ([]byte, error) {
	command := strings.ReplaceAll(f.Command, "{path}", shellQuote(path))
	res, err := f.Runner.RunInput(ctx, command, src)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("formatter %q exited with status %d: %s", f.Command, res.ExitCode, strings.TrimSpace(res.Output))
	}
	return []byte(res.Output), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
