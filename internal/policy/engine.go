package policy

import (
	"context"
	"fmt"
	"path"
	"strings"

	"command_center/internal/config"
	"command_center/internal/domain"
)

type Rule struct {
	Effect    domain.PermissionEffect
	Operation domain.FileOperation
	Pattern   string
}

// Engine evaluates workspace path rules. An explicit deny wins; with no rules
// configured every operation is allowed, otherwise an allow match is required.
type Engine struct {
	rules []Rule
}

func New(rules []Rule) *Engine {
	return &Engine{rules: append([]Rule(nil), rules...)}
}

func FromConfig(cfg config.WorkspaceConfig) *Engine {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, Rule{
			Effect:    domain.PermissionEffect(r.Effect),
			Operation: domain.FileOperation(r.Operation),
			Pattern:   r.Pattern,
		})
	}
	return New(rules)
}

func (e *Engine) CanFileOperation(
	_ context.Context,
	agentID string,
	operation domain.FileOperation,
	targetPath string,
) (bool, string, error) {
	if len(e.rules) == 0 {
		return true, "allowed", nil
	}
	allowMatch := false
	for _, rule := range e.rules {
		if rule.Operation != "" && !operationCovers(rule.Operation, operation) {
			continue
		}
		if !MatchGlob(rule.Pattern, targetPath) {
			continue
		}
		switch rule.Effect {
		case domain.PermissionEffectDeny:
			return false, fmt.Sprintf("denied by rule %s %s", orAny(rule.Operation), rule.Pattern), nil
		case domain.PermissionEffectAllow:
			allowMatch = true
		}
	}
	if allowMatch {
		return true, "allowed", nil
	}
	return false, "default deny (no matching allow rule)", nil
}

// write covers create so a single rule governs both.
func operationCovers(rule, op domain.FileOperation) bool {
	if rule == op {
		return true
	}
	return rule == domain.FileOperationWrite && op == domain.FileOperationCreate
}

func orAny(op domain.FileOperation) string {
	if op == "" {
		return "any"
	}
	return string(op)
}

func NormalizeRelPath(p string) string {
	v := strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	v = strings.TrimPrefix(v, "./")
	v = strings.TrimPrefix(v, "/")
	return v
}

// MatchGlob matches a slash-separated path against a pattern supporting *, ?,
// character classes, ** across directories and {a,b} alternatives.
func MatchGlob(pattern string, value string) bool {
	v := NormalizeRelPath(value)
	for _, p := range expandBraces(NormalizeRelPath(pattern)) {
		if p == "**" || p == "*" && !strings.Contains(v, "/") {
			return true
		}
		if matchSegments(strings.Split(p, "/"), strings.Split(v, "/")) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, value []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(value); i++ {
				if matchSegments(rest, value[i:]) {
					return true
				}
			}
			return false
		}
		if len(value) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], value[0])
		if err != nil || !ok {
			return false
		}
		pattern = pattern[1:]
		value = value[1:]
	}
	return len(value) == 0
}

func expandBraces(pattern string) []string {
	open := strings.IndexByte(pattern, '{')
	if open < 0 {
		return []string{pattern}
	}
	depth := 0
	closing := -1
	for i := open; i < len(pattern); i++ {
		switch pattern[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				closing = i
			}
		}
		if closing >= 0 {
			break
		}
	}
	if closing < 0 {
		return []string{pattern}
	}

	var alternatives []string
	depth = 0
	start := open + 1
	for i := open + 1; i < closing; i++ {
		switch pattern[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				alternatives = append(alternatives, pattern[start:i])
				start = i + 1
			}
		}
	}
	alternatives = append(alternatives, pattern[start:closing])

	prefix, suffix := pattern[:open], pattern[closing+1:]
	var out []string
	for _, alt := range alternatives {
		out = append(out, expandBraces(prefix+alt+suffix)...)
	}
	return out
}
