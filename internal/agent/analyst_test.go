package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command_center/internal/diagnostics"
	"command_center/internal/domain"
	"command_center/internal/fs"
	"command_center/internal/messaging/inproc"
)

func newAnalystHarness(t *testing.T) (*inproc.Bus, *Analyst, *fs.Gateway, *recorder) {
	t.Helper()
	b := newBus()
	gw, err := fs.NewGateway(t.TempDir(), nil, nil, []string{"**/.git/**"})
	require.NoError(t, err)
	a := NewAnalyst(b, gw, diagnostics.NewCollector(gw, "analyst"), Options{}, discardLogger())
	results := &recorder{}
	b.OnKind(domain.CommandAnalysisResult, results.add)
	return b, a, gw, results
}

func analyze(t *testing.T, a *Analyst, results *recorder, req domain.AnalysisRequest) domain.ResultPayload {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	before := results.len()
	a.Handle(context.Background(), domain.Command{ID: "c", Type: domain.CommandAnalyze, Source: "tester", Payload: raw})
	got := results.all()
	require.Len(t, got, before+1)
	var payload domain.ResultPayload
	require.NoError(t, got[before].Decode(&payload))
	return payload
}

func TestAnalystAdvertisesCapabilities(t *testing.T) {
	b, a, _, _ := newAnalystHarness(t)
	agent, ok := b.Agent(a.ID())
	require.True(t, ok)
	assert.Equal(t, domain.AgentRoleAnalyst, agent.Role)
	assert.True(t, agent.HasCapabilities([]string{"code-analysis", "problem-detection"}))
}

func TestAnalyzeCode(t *testing.T) {
	_, a, _, results := newAnalystHarness(t)
	payload := analyze(t, a, results, domain.AnalysisRequest{
		Type:      "code",
		RequestID: "r-code",
		Options:   map[string]any{"code": "class A extends B {}\nif (x) {}"},
	})
	require.True(t, payload.Success, payload.Error)
	assert.Equal(t, "r-code", payload.RequestID)

	var out CodeAnalysis
	require.NoError(t, json.Unmarshal(payload.Data, &out))
	assert.Equal(t, 2, out.LineCount)
	assert.Contains(t, out.Patterns, "inheritance")
	assert.Equal(t, 1, out.Complexity)
}

func TestAnalyzeCodeWithoutSourceFails(t *testing.T) {
	_, a, _, results := newAnalystHarness(t)
	payload := analyze(t, a, results, domain.AnalysisRequest{Type: "code", RequestID: "r"})
	assert.False(t, payload.Success)
	assert.Equal(t, "no code provided for analysis", payload.Error)
}

func TestAnalyzeProjectCountsExtensions(t *testing.T) {
	_, a, gw, results := newAnalystHarness(t)
	ctx := context.Background()
	for _, p := range []string{"main.go", "internal/a.go", "web/app.ts", "Makefile", ".git/HEAD"} {
		require.NoError(t, gw.WriteFile(ctx, "seed", p, []byte("x")))
	}

	payload := analyze(t, a, results, domain.AnalysisRequest{Type: "project", RequestID: "r-proj"})
	require.True(t, payload.Success, payload.Error)

	var out ProjectAnalysis
	require.NoError(t, json.Unmarshal(payload.Data, &out))
	assert.Equal(t, gw.Root(), out.RootPath)
	assert.Equal(t, 4, out.FileCount)
	assert.Equal(t, map[string]int{"go": 2, "ts": 1, "(none)": 1}, out.Extensions)
	assert.Contains(t, out.Overview, "4 files")
}

func TestAnalyzeFile(t *testing.T) {
	_, a, gw, results := newAnalystHarness(t)
	require.NoError(t, gw.WriteFile(context.Background(), "seed", "pkg/worker.go", []byte("package pkg\n\nfunc Run() { go work() }\n")))

	payload := analyze(t, a, results, domain.AnalysisRequest{Type: "file", Target: "pkg/worker.go", RequestID: "r-file"})
	require.True(t, payload.Success, payload.Error)

	var out FileAnalysis
	require.NoError(t, json.Unmarshal(payload.Data, &out))
	assert.Equal(t, "worker.go", out.Name)
	assert.Equal(t, ".go", out.Extension)
	assert.Equal(t, 4, out.LineCount)
	assert.Contains(t, out.Patterns, "goroutines")

	missing := analyze(t, a, results, domain.AnalysisRequest{Type: "file", Target: "nope.go", RequestID: "r-missing"})
	assert.False(t, missing.Success)
}

func TestAnalyzeDiagnostics(t *testing.T) {
	_, a, gw, results := newAnalystHarness(t)
	require.NoError(t, gw.WriteFile(context.Background(), "seed", "bad.go", []byte("package bad\nfunc (\n")))

	payload := analyze(t, a, results, domain.AnalysisRequest{Type: "diagnostic", RequestID: "r-diag"})
	require.True(t, payload.Success, payload.Error)

	var out DiagnosticAnalysis
	require.NoError(t, json.Unmarshal(payload.Data, &out))
	assert.Equal(t, 1, out.FileCount)
	assert.GreaterOrEqual(t, out.TotalProblems, 1)
	assert.Equal(t, "bad.go", out.Details[0].File)
}

func TestAnalyzeUnknownTypeFails(t *testing.T) {
	_, a, _, results := newAnalystHarness(t)
	payload := analyze(t, a, results, domain.AnalysisRequest{Type: "astrology", RequestID: "r"})
	assert.False(t, payload.Success)
	assert.Contains(t, payload.Error, "astrology")
}
