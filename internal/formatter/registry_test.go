package formatter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command_center/internal/config"
	"command_center/internal/shell"
)

func TestDetectLanguage(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, "go", r.Detect("cmd/main.go"))
	assert.Equal(t, "typescript", r.Detect("web/App.TSX"))
	assert.Equal(t, "", r.Detect("Makefile"))
}

func TestFormatGoSource(t *testing.T) {
	r := NewRegistry()
	lang, out, err := r.Format(context.Background(), "a.go", []byte("package a\nfunc A(){}\n"))
	require.NoError(t, err)
	assert.Equal(t, "go", lang)
	assert.Equal(t, "package a\n\nfunc A() {}\n", string(out))

	_, _, err = r.Format(context.Background(), "a.go", []byte("package a\nfunc ("))
	assert.Error(t, err)
}

func TestFormatUnknownLanguage(t *testing.T) {
	_, _, err := NewRegistry().Format(context.Background(), "notes.md", []byte("# hi"))
	require.ErrorIs(t, err, ErrNoFormatter)
}

func TestCommandFormatterFromConfig(t *testing.T) {
	runner := shell.NewRunner("/bin/sh", t.TempDir(), 5*time.Second)
	r := FromConfig(map[string]config.FormatterConfig{
		"shout": {Command: "tr a-z A-Z", Extensions: []string{"txt"}},
	}, runner)

	lang, out, err := r.Format(context.Background(), "readme.txt", []byte("quiet"))
	require.NoError(t, err)
	assert.Equal(t, "shout", lang)
	assert.Equal(t, "QUIET", string(out))
	assert.Contains(t, r.Languages(), "shout")
}
