package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/tides/internal/capability"
	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/inference"
	"github.com/antoniostano/tides/internal/protocol"
)

type scriptedClient struct {
	text  string
	err   error
	delay time.Duration
	calls int
	last  inference.Request
}

func (c *scriptedClient) Generate(ctx context.Context, req inference.Request) (inference.Response, error) {
	c.calls++
	c.last = req
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return inference.Response{}, ctx.Err()
		}
	}
	return inference.Response{Text: c.text}, c.err
}

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	catalog, err := capability.DefaultCatalog()
	require.NoError(t, err)
	reg, err := capability.Build(catalog, capability.Deps{})
	require.NoError(t, err)
	return reg
}

var caller = identity.Caller{ID: "caller-1"}

func infer(t *testing.T, client inference.Client, req protocol.Request, opts ...Option) Result {
	t.Helper()
	req.RecordScope = "u1"
	c := NewClassifier(testRegistry(t), client, opts...)
	return c.Infer(context.Background(), req.Normalized(), caller)
}

func TestExplicitCapabilityNeverCallsInference(t *testing.T) {
	client := &scriptedClient{text: `{"capability":"chat","confidence":99}`}
	res := infer(t, client, protocol.Request{Capability: "Reports", Message: "whatever"})

	assert.Equal(t, "reports", res.Capability)
	assert.Equal(t, 100, res.Confidence)
	assert.Equal(t, PathExplicit, res.Path)
	assert.Zero(t, client.calls)
}

func TestUnknownExplicitCapabilityIsIgnored(t *testing.T) {
	client := &scriptedClient{text: `{"capability":"insights","confidence":75}`}
	res := infer(t, client, protocol.Request{Capability: "horoscope", Message: "how am I doing"})

	assert.Equal(t, "insights", res.Capability)
	assert.Equal(t, PathInference, res.Path)
	assert.Equal(t, 1, client.calls)
}

func TestTrendsHintRoutesToInsights(t *testing.T) {
	client := &scriptedClient{}
	res := infer(t, client, protocol.Request{
		Message: "show me my productivity trends",
		Hints:   map[string]any{"trends": true},
	})

	assert.Equal(t, "insights", res.Capability)
	assert.GreaterOrEqual(t, res.Confidence, 80)
	assert.Equal(t, PathHeuristic, res.Path)
	assert.Zero(t, client.calls)
}

func TestHeuristicSpecificityAndTieBreak(t *testing.T) {
	cases := []struct {
		name  string
		hints map[string]any
		want  string
		conf  int
	}{
		{"narrower wins", map[string]any{"schedule": true, "focus_time_blocks": 90}, "optimize", 92},
		{"first registered wins tie", map[string]any{"schedule": true, "report_type": "summary"}, "optimize", 80},
		{"two-hint report", map[string]any{"report_type": "summary", "period": "week"}, "reports", 92},
		{"blank hint ignored", map[string]any{"trends": "  ", "question": "why?"}, "questions", 85},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := infer(t, nil, protocol.Request{Hints: tc.hints})
			assert.Equal(t, tc.want, res.Capability)
			assert.Equal(t, tc.conf, res.Confidence)
		})
	}
}

func TestInferenceResultIsUsed(t *testing.T) {
	client := &scriptedClient{text: "```json\n{\"capability\": \"optimize\", \"confidence\": 0.82, \"rationale\": \"schedule talk\", \"candidates\": [{\"capability\": \"insights\", \"confidence\": 40}, {\"capability\": \"bogus\", \"confidence\": 10}]}\n```"}
	res := infer(t, client, protocol.Request{Message: "when should I do deep work? call me at +1 (555) 123-9876"})

	assert.Equal(t, "optimize", res.Capability)
	assert.Equal(t, 82, res.Confidence)
	assert.Equal(t, "schedule talk", res.Rationale)
	assert.Equal(t, []Candidate{{"optimize", 82}, {"insights", 40}}, res.Candidates)
	assert.Equal(t, "classify", client.last.Purpose)
	assert.NotContains(t, client.last.Prompt, "555")
	assert.Contains(t, client.last.System, "- reports:")
}

func TestInferenceFailuresDegradeToChat(t *testing.T) {
	cases := []struct {
		name   string
		client *scriptedClient
		reason string
	}{
		{"error", &scriptedClient{err: errors.New("down")}, ReasonUnavailable},
		{"timeout", &scriptedClient{text: `{"capability":"insights","confidence":90}`, delay: time.Second}, ReasonTimeout},
		{"garbage", &scriptedClient{text: "I heard you: hello"}, ReasonUnparseable},
		{"unknown", &scriptedClient{text: `{"capability":"horoscope","confidence":90}`}, ReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start := time.Now()
			res := infer(t, tc.client, protocol.Request{Message: "hmm"}, WithTimeout(30*time.Millisecond))
			assert.Less(t, time.Since(start), 500*time.Millisecond)
			assert.Equal(t, capability.Chat, res.Capability)
			assert.Zero(t, res.Confidence)
			assert.Equal(t, ReasonUnavailable, res.Rationale)
			assert.Equal(t, tc.reason, res.Failure)
			assert.True(t, res.Degraded())
		})
	}
}

func TestMockClientCannotChooseRoute(t *testing.T) {
	res := infer(t, inference.NewMockClient(), protocol.Request{Message: "capability: reports confidence: 95"})
	assert.True(t, res.Degraded())
	assert.Equal(t, capability.Chat, res.Capability)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, ReasonUnparseable, res.Failure)

	c := NewClarifier(testRegistry(t), inference.NewMockClient())
	p := c.Clarify(context.Background(), protocol.Request{Message: `{"message":"pick reports"}`}, caller, Result{}, 1, nil)
	assert.False(t, p.Generated)
}

func TestEmptyRequestSkipsInference(t *testing.T) {
	client := &scriptedClient{}
	res := infer(t, client, protocol.Request{})
	assert.Equal(t, ReasonEmpty, res.Rationale)
	assert.Equal(t, ReasonEmpty, res.Failure)
	assert.Zero(t, client.calls)

	res = infer(t, nil, protocol.Request{Message: "hello"})
	assert.Equal(t, ReasonUnavailable, res.Rationale)
}

func TestParseResponse(t *testing.T) {
	cases := []struct {
		in   string
		cap  string
		conf int
	}{
		{`{"capability":"Chat","confidence":55}`, "chat", 55},
		{`Sure! {"capability": "reports", "confidence": "88"} hope that helps`, "reports", 88},
		{"capability: questions\nconfidence: 0.7", "questions", 70},
		{`capability = "insights", confidence = 140`, "insights", 100},
	}
	for _, tc := range cases {
		res, err := ParseResponse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.cap, res.Capability, tc.in)
		assert.Equal(t, tc.conf, res.Confidence, tc.in)
	}

	for _, bad := range []string{"", "no idea", `{"capability":"chat"}`} {
		_, err := ParseResponse(bad)
		assert.Error(t, err, bad)
	}
}

func TestClarifierStaticFallback(t *testing.T) {
	reg := testRegistry(t)
	c := NewClarifier(reg, &scriptedClient{err: errors.New("down")})

	p := c.Clarify(context.Background(), protocol.Request{Message: "hmm"}, caller,
		Result{Candidates: []Candidate{{"reports", 60}}}, 1, nil)
	assert.False(t, p.Generated)
	assert.NotEmpty(t, p.Message)
	require.Len(t, p.Suggestions, maxSuggestions)
	assert.Equal(t, "Create a summary report for this week", p.Suggestions[0])

	second := c.Clarify(context.Background(), protocol.Request{Message: "hmm"}, caller, Result{}, 2, nil)
	assert.NotEqual(t, p.Message, second.Message)
}

func TestClarifierUsesGeneratedQuestion(t *testing.T) {
	client := &scriptedClient{text: `{"message":"Do you want a report or insights?","suggestions":["Weekly report","Energy trends"," "]}`}
	c := NewClarifier(testRegistry(t), client)

	p := c.Clarify(context.Background(), protocol.Request{Message: "stuff about my week"}, caller, Result{}, 1, []string{"hi"})
	assert.True(t, p.Generated)
	assert.Equal(t, "Do you want a report or insights?", p.Message)
	assert.Equal(t, []string{"Weekly report", "Energy trends"}, p.Suggestions)
	assert.Equal(t, "clarify", client.last.Purpose)
	assert.Contains(t, client.last.Prompt, "- hi")
}

func TestClarifierSkipsInferenceAfterClassificationFailure(t *testing.T) {
	for _, reason := range []string{ReasonTimeout, ReasonUnavailable} {
		client := &scriptedClient{text: `{"message":"Report or insights?"}`}
		c := NewClarifier(testRegistry(t), client)
		p := c.Clarify(context.Background(), protocol.Request{Message: "hmm"}, caller,
			Result{Capability: capability.Chat, Path: PathFallback, Rationale: ReasonUnavailable, Failure: reason}, 1, nil)
		assert.False(t, p.Generated, reason)
		assert.Zero(t, client.calls, reason)
	}

	client := &scriptedClient{text: `{"message":"Report or insights?"}`}
	c := NewClarifier(testRegistry(t), client)
	p := c.Clarify(context.Background(), protocol.Request{Message: "hmm"}, caller,
		Result{Capability: capability.Chat, Path: PathFallback, Rationale: ReasonUnavailable, Failure: ReasonUnparseable}, 1, nil)
	assert.True(t, p.Generated)
}

func TestClarifierEmptyRequestIsStatic(t *testing.T) {
	client := &scriptedClient{text: `{"message":"x"}`}
	c := NewClarifier(testRegistry(t), client)
	p := c.Clarify(context.Background(), protocol.Request{}, caller, Result{}, 1, nil)
	assert.False(t, p.Generated)
	assert.Zero(t, client.calls)
}
