package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"command_center/internal/domain"
	"command_center/internal/policy"
)

var ErrForbiddenFileOperation = errors.New("file operation is forbidden by policy")

type Policy interface {
	CanFileOperation(ctx context.Context, agentID string, operation domain.FileOperation, targetPath string) (bool, string, error)
}

type ChangeLogger interface {
	LogFileChange(ctx context.Context, entry domain.FileChangeLog) error
}

// Gateway confines file access to a workspace root.
type Gateway struct {
	root    string
	policy  Policy
	logger  ChangeLogger
	exclude []string
}

func NewGateway(root string, policy Policy, logger ChangeLogger, exclude []string) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{
		root:    absRoot,
		policy:  policy,
		logger:  logger,
		exclude: append([]string(nil), exclude...),
	}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

func (g *Gateway) Exclude() []string {
	return append([]string(nil), g.exclude...)
}

func (g *Gateway) ReadFile(ctx context.Context, agentID, relPath string) ([]byte, error) {
	absPath, normalized, err := g.authorize(ctx, agentID, domain.FileOperationRead, relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", normalized, err)
	}
	return content, nil
}

func (g *Gateway) WriteFile(ctx context.Context, agentID, relPath string, content []byte) error {
	op := domain.FileOperationCreate
	if absPath, _, err := g.resolve(relPath); err == nil {
		if _, statErr := os.Stat(absPath); statErr == nil {
			op = domain.FileOperationWrite
		}
	}
	absPath, normalized, err := g.authorize(ctx, agentID, op, relPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return fmt.Errorf("write file %s: %w", normalized, err)
	}
	if err := g.record(ctx, agentID, op, normalized, true, "allowed"); err != nil {
		return fmt.Errorf("log file write: %w", err)
	}
	return nil
}

func (g *Gateway) DeleteFile(ctx context.Context, agentID, relPath string, recursive bool) error {
	absPath, normalized, err := g.authorize(ctx, agentID, domain.FileOperationDelete, relPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", normalized, err)
	}
	if info.IsDir() && !recursive {
		err = os.Remove(absPath)
	} else {
		err = os.RemoveAll(absPath)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", normalized, err)
	}
	if err := g.record(ctx, agentID, domain.FileOperationDelete, normalized, true, "allowed"); err != nil {
		return fmt.Errorf("log file delete: %w", err)
	}
	return nil
}

// Search returns workspace-relative paths matching pattern, skipping the
// gateway's default excludes plus the given ones. maxResults <= 0 means 100.
func (g *Gateway) Search(ctx context.Context, agentID, pattern string, exclude []string, maxResults int) ([]string, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty search pattern")
	}
	if maxResults <= 0 {
		maxResults = 100
	}
	excludes := append(g.Exclude(), exclude...)
	isExcluded := func(rel string) bool {
		for _, ex := range excludes {
			if policy.MatchGlob(ex, rel) {
				return true
			}
		}
		return false
	}

	var out []string
	errLimit := errors.New("limit reached")
	err := filepath.WalkDir(g.root, func(p string, d iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == g.root {
			return nil
		}
		rel, err := filepath.Rel(g.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if isExcluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !policy.MatchGlob(pattern, rel) {
			return nil
		}
		if g.policy != nil {
			allowed, _, err := g.policy.CanFileOperation(ctx, agentID, domain.FileOperationSearch, rel)
			if err != nil {
				return fmt.Errorf("policy check search: %w", err)
			}
			if !allowed {
				return nil
			}
		}
		out = append(out, rel)
		if len(out) >= maxResults {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, fmt.Errorf("search %q: %w", pattern, err)
	}
	return out, nil
}

func (g *Gateway) authorize(ctx context.Context, agentID string, op domain.FileOperation, relPath string) (string, string, error) {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		_ = g.record(ctx, agentID, op, relPath, false, err.Error())
		return "", "", err
	}
	if g.policy == nil {
		return absPath, normalized, nil
	}
	allowed, reason, err := g.policy.CanFileOperation(ctx, agentID, op, normalized)
	if err != nil {
		return "", "", fmt.Errorf("policy check %s: %w", op, err)
	}
	if !allowed {
		_ = g.record(ctx, agentID, op, normalized, false, reason)
		return "", "", fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
	}
	return absPath, normalized, nil
}

func (g *Gateway) record(ctx context.Context, agentID string, op domain.FileOperation, p string, allowed bool, reason string) error {
	if g.logger == nil {
		return nil
	}
	return g.logger.LogFileChange(ctx, domain.FileChangeLog{
		AgentID:   agentID,
		Operation: op,
		Path:      p,
		Allowed:   allowed,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = policy.NormalizeRelPath(relPath)
	if filepath.IsAbs(relPath) {
		if rel, relErr := filepath.Rel(g.root, filepath.Clean(relPath)); relErr == nil && !strings.HasPrefix(rel, "..") {
			normalized = filepath.ToSlash(rel)
		}
	}
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	absClean := filepath.Clean(filepath.Join(g.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(g.root, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", "", fmt.Errorf("path escapes workspace root: %q", relPath)
	}
	return absClean, filepath.ToSlash(rel), nil
}
