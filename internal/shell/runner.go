package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var ErrSessionClosed = errors.New("shell session is closed")

type Result struct {
	Command    string `json:"command"`
	Output     string `json:"output"`
	ExitCode   int    `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
}

// Runner executes shell commands inside a working directory.
type Runner struct {
	shell   string
	dir     string
	timeout time.Duration
}

func NewRunner(shell, dir string, timeout time.Duration) *Runner {
	if strings.TrimSpace(shell) == "" {
		shell = "/bin/sh"
	}
	return &Runner{shell: shell, dir: dir, timeout: timeout}
}

func (r *Runner) Run(ctx context.Context, command string) (Result, error) {
	return r.RunInput(ctx, command, nil)
}

// RunInput runs command with stdin attached. A non-zero exit is reported in
// Result.ExitCode, not as an error.
func (r *Runner) RunInput(ctx context.Context, command string, stdin []byte) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, fmt.Errorf("empty command")
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := time.Now()
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Dir = r.dir
	cmd.WaitDelay = time.Second
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := Result{
		Command:    command,
		Output:     out.String(),
		DurationMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("run %q: %w", command, ctx.Err())
		}
		return res, fmt.Errorf("run %q: %w", command, err)
	}
	return res, nil
}

// Session is a long-lived interactive shell fed line by line.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *tailBuffer
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (r *Runner) StartSession(ctx context.Context) (*Session, error) {
	cmd := exec.CommandContext(ctx, r.shell)
	cmd.Dir = r.dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open shell stdin: %w", err)
	}
	buf := newTailBuffer(64 * 1024)
	cmd.Stdout = buf
	cmd.Stderr = buf
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shell: %w", err)
	}
	s := &Session{cmd: cmd, stdin: stdin, output: buf, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	}()
	return s, nil
}

func (s *Session) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(s.stdin, text); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	return nil
}

func (s *Session) Output() string {
	return s.output.String()
}

func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	err := s.stdin.Close()
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.done
	}
	return err
}

type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append([]byte(nil), b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
