package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command_center/internal/config"
	"command_center/internal/domain"
)

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"**", "a/b/c.go", true},
		{"*.go", "main.go", true},
		{"*.go", "cmd/main.go", false},
		{"**/*.go", "main.go", true},
		{"**/*.go", "cmd/orchestrator/main.go", true},
		{"**/node_modules/**", "web/node_modules/react/index.js", true},
		{"**/node_modules/**", "node_modules", true},
		{"src/**", "src", true},
		{"src/**", "srcx/a.ts", false},
		{"**/*.{ts,js,tsx,jsx}", "web/app.tsx", true},
		{"**/*.{ts,js,tsx,jsx}", "web/app.go", false},
		{"{docs,notes}/*.md", "notes/today.md", true},
		{"./docs/*.md", "docs/a.md", true},
		{"docs/[ab].md", "docs/c.md", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchGlob(tc.pattern, tc.value), "%s ~ %s", tc.pattern, tc.value)
	}
}

func TestEngineWithoutRulesAllowsEverything(t *testing.T) {
	e := New(nil)
	ok, _, err := e.CanFileOperation(context.Background(), "executor", domain.FileOperationDelete, "any/file")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineDenyWinsOverAllow(t *testing.T) {
	e := FromConfig(config.WorkspaceConfig{Rules: []config.RuleConfig{
		{Effect: "allow", Pattern: "**"},
		{Effect: "deny", Operation: "write", Pattern: ".git/**"},
	}})
	ctx := context.Background()

	ok, reason, err := e.CanFileOperation(ctx, "executor", domain.FileOperationCreate, ".git/config")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, ".git/**")

	ok, _, err = e.CanFileOperation(ctx, "executor", domain.FileOperationRead, ".git/config")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineDefaultDenyWithRules(t *testing.T) {
	e := New([]Rule{{Effect: domain.PermissionEffectAllow, Operation: domain.FileOperationRead, Pattern: "docs/**"}})
	ok, reason, err := e.CanFileOperation(context.Background(), "executor", domain.FileOperationRead, "src/main.go")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "default deny (no matching allow rule)", reason)
}
