package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/inference"
	"github.com/antoniostano/tides/internal/protocol"
	"github.com/antoniostano/tides/internal/records"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const tideBody = `{
  "id": "morning",
  "name": "Morning tide",
  "flow_sessions": [
    {"started_at": "2026-03-09T10:00:00Z", "duration_minutes": 60, "energy": 8, "tags": ["Writing"]},
    {"started_at": "2026-03-08T10:00:00Z", "duration_minutes": 30, "energy": 6, "tags": ["writing", "email"]},
    {"started_at": "2026-03-07T15:00:00Z", "duration_minutes": 90, "energy": 4},
    {"started_at": "2026-01-01T10:00:00Z", "duration_minutes": 45, "energy": 9}
  ]
}`

type recordingClient struct {
	reqs []inference.Request
	text string
	err  error
}

func (c *recordingClient) Generate(_ context.Context, req inference.Request) (inference.Response, error) {
	c.reqs = append(c.reqs, req)
	return inference.Response{Text: c.text}, c.err
}

func newTestResolver(t *testing.T, prefs string) *records.Resolver {
	t.Helper()
	p := records.NewMemoryPartition("primary")
	p.PutRecord("u1", "morning", []byte(tideBody))
	if prefs != "" {
		p.PutRecord("u1", PreferencesID, []byte(prefs))
	}
	r, err := records.NewResolver([]records.Partition{p})
	require.NoError(t, err)
	return r
}

func newTestRegistry(t *testing.T, client inference.Client) *Registry {
	t.Helper()
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	reg, err := Build(catalog, Deps{Inference: client, Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	return reg
}

func execute(t *testing.T, reg *Registry, name string, req protocol.Request, resolver Resolver) (map[string]any, error) {
	t.Helper()
	c, ok := reg.Lookup(name)
	require.True(t, ok, "capability %s not registered", name)
	req.RecordScope = "u1"
	out, err := c.Execute(context.Background(), req.Normalized(), identity.Caller{ID: "caller-1"}, resolver)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	require.True(t, ok)
	return m, nil
}

func TestDefaultCatalogRegistersAllCapabilities(t *testing.T) {
	reg := newTestRegistry(t, nil)
	assert.Equal(t, []string{"insights", "optimize", "questions", "preferences", "reports", "chat"}, reg.Names())
	assert.True(t, reg.IsConversational("chat"))
	assert.True(t, reg.IsConversational("questions"))
	assert.False(t, reg.IsConversational("insights"))
	assert.False(t, reg.IsConversational("unknown"))
	assert.Len(t, reg.Suggestions(), 6)

	_, ok := reg.Lookup("  Insights ")
	assert.True(t, ok)
}

func TestNewRegistryRejectsBadHeuristics(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	catalog[0].Heuristics = []Heuristic{{Hints: []string{"x"}, Confidence: 99}}
	_, err = Build(catalog, Deps{})
	require.Error(t, err)

	catalog[0].Heuristics = []Heuristic{{Confidence: 80}}
	_, err = Build(catalog, Deps{})
	require.Error(t, err)
}

func TestBuildRequiresChat(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	catalog[len(catalog)-1].Disabled = true
	_, err = Build(catalog, Deps{})
	require.Error(t, err)
}

func TestLoadCatalogOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capabilities:
  - name: Reports
    description: Weekly digest
    disabled: true
  - name: insights
    heuristics:
      - hints: [Trends]
        confidence: 88
`), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	reg, err := Build(catalog, Deps{})
	require.NoError(t, err)

	_, ok := reg.Lookup("reports")
	assert.False(t, ok)
	c, ok := reg.Lookup("insights")
	require.True(t, ok)
	assert.Equal(t, []Heuristic{{Hints: []string{"trends"}, Confidence: 88}}, c.Descriptor().Heuristics)
	assert.Equal(t, "Generate productivity insights and analytics", c.Descriptor().Description)
}

func TestLoadCatalogRejectsUnknownCapability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capabilities:\n  - name: horoscope\n"), 0o644))
	_, err := LoadCatalog(path)
	require.Error(t, err)
}

func TestInsightsSummarizesWindow(t *testing.T) {
	reg := newTestRegistry(t, nil)
	out, err := execute(t, reg, "insights", protocol.Request{Hints: map[string]any{"timeframe": "7d"}}, newTestResolver(t, ""))
	require.NoError(t, err)

	stats, ok := out["insights"].(Stats)
	require.True(t, ok)
	assert.Equal(t, 3, stats.Sessions)
	assert.Equal(t, 1, stats.Tides)
	assert.Equal(t, 180, stats.TotalMinutes)
	assert.Equal(t, 6.0, stats.AverageEnergy)
	assert.Equal(t, 10, stats.PeakHour)
	assert.Equal(t, TagCount{Tag: "writing", Count: 2}, stats.TopTags[0])
	assert.Contains(t, out["message"], "3 flow sessions")
}

func TestInsightsRejectsBadTimeframe(t *testing.T) {
	reg := newTestRegistry(t, nil)
	_, err := execute(t, reg, "insights", protocol.Request{Hints: map[string]any{"timeframe": "forever"}}, newTestResolver(t, ""))
	require.ErrorIs(t, err, protocol.ErrValidation)
}

func TestOptimizeUsesPreferencesAndHint(t *testing.T) {
	reg := newTestRegistry(t, nil)
	resolver := newTestResolver(t, `{"focus_time_blocks": 50, "workday_start_hour": 8, "workday_end_hour": 18}`)

	out, err := execute(t, reg, "optimize", protocol.Request{}, resolver)
	require.NoError(t, err)
	assert.Equal(t, 50, out["focus_block_mins"])
	blocks := out["recommended_blocks"].([]FocusBlock)
	require.Len(t, blocks, 2)
	assert.Equal(t, 10, blocks[0].StartHour)
	assert.Equal(t, 7.0, blocks[0].AverageEnergy)

	out, err = execute(t, reg, "optimize", protocol.Request{Hints: map[string]any{"focus_time_blocks": float64(90)}}, resolver)
	require.NoError(t, err)
	assert.Equal(t, 90, out["focus_block_mins"])
}

func TestPreferencesFallsBackToDefaults(t *testing.T) {
	reg := newTestRegistry(t, nil)
	out, err := execute(t, reg, "preferences", protocol.Request{}, newTestResolver(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "default", out["source"])
	assert.Equal(t, defaultPreferences(), out["preferences"])
}

func TestReportsValidatesTypeAndPeriod(t *testing.T) {
	reg := newTestRegistry(t, nil)
	resolver := newTestResolver(t, "")

	out, err := execute(t, reg, "reports", protocol.Request{Hints: map[string]any{"report_type": "detailed"}}, resolver)
	require.NoError(t, err)
	assert.Equal(t, "detailed", out["report_type"])
	assert.Equal(t, "week", out["period"])
	assert.Contains(t, out, "minutes_by_day")

	_, err = execute(t, reg, "reports", protocol.Request{Hints: map[string]any{"report_type": "poem"}}, resolver)
	require.ErrorIs(t, err, protocol.ErrValidation)
	_, err = execute(t, reg, "reports", protocol.Request{Hints: map[string]any{"period": "decade"}}, resolver)
	require.ErrorIs(t, err, protocol.ErrValidation)
}

func TestQuestionsRedactsAndAnswers(t *testing.T) {
	client := &recordingClient{text: "Protect your mornings."}
	reg := newTestRegistry(t, client)

	out, err := execute(t, reg, "questions", protocol.Request{Message: "email me at jane@example.com with tips"}, newTestResolver(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "Protect your mornings.", out["answer"])
	require.Len(t, client.reqs, 1)
	assert.NotContains(t, client.reqs[0].Prompt, "jane@example.com")
	assert.Equal(t, "caller-1", client.reqs[0].CallerID)

	_, err = execute(t, reg, "questions", protocol.Request{}, newTestResolver(t, ""))
	require.ErrorIs(t, err, protocol.ErrValidation)
}

func TestChatPropagatesInferenceFailure(t *testing.T) {
	boom := errors.New("boom")
	reg := newTestRegistry(t, &recordingClient{err: boom})
	_, err := execute(t, reg, "chat", protocol.Request{Message: "hello"}, newTestResolver(t, ""))
	require.ErrorIs(t, err, boom)
}

func TestChatGreetsOnEmptyMessage(t *testing.T) {
	reg := newTestRegistry(t, nil)
	out, err := execute(t, reg, "chat", protocol.Request{}, newTestResolver(t, ""))
	require.NoError(t, err)
	assert.NotEmpty(t, out["message"])
}

func TestParseTimeframe(t *testing.T) {
	cases := map[string]time.Duration{
		"":        7 * 24 * time.Hour,
		"1d":      24 * time.Hour,
		"2w":      14 * 24 * time.Hour,
		"monthly": 30 * 24 * time.Hour,
	}
	for raw, want := range cases {
		_, got, err := parseTimeframe(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"d", "0d", "3y", "abc"} {
		_, _, err := parseTimeframe(raw)
		assert.Error(t, err, raw)
	}
}
