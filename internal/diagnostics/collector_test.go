package diagnostics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command_center/internal/fs"
)

func TestCheckGoSource(t *testing.T) {
	assert.Empty(t, CheckGoSource("ok.go", []byte("package ok\n\nfunc A() {}\n")))

	problems := CheckGoSource("broken.go", []byte("package broken\n\nfunc A( {\n"))
	require.NotEmpty(t, problems)
	assert.Equal(t, SeverityError, problems[0].Severity)
	assert.Equal(t, 2, problems[0].Range.Start.Line)

	drift := CheckGoSource("drift.go", []byte("package drift\nfunc A(){}\n"))
	require.Len(t, drift, 1)
	assert.Equal(t, "gofmt", drift[0].Source)
}

func TestCollectMergesWorkspaceAndPublished(t *testing.T) {
	gw, err := fs.NewGateway(t.TempDir(), nil, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, gw.WriteFile(ctx, "test", "good.go", []byte("package good\n")))
	require.NoError(t, gw.WriteFile(ctx, "test", "pkg/bad.go", []byte("package bad\nfunc (\n")))

	c := NewCollector(gw, "analyst")
	c.Publish("web/app.ts", []Problem{{Message: "unused variable", Severity: SeverityWarning, Source: "eslint"}})

	files, err := c.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "pkg/bad.go", files[0].File)
	assert.Equal(t, "web/app.ts", files[1].File)
	assert.GreaterOrEqual(t, TotalProblems(files), 2)

	c.Publish("web/app.ts", nil)
	files, err = c.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
