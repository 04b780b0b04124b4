// Package intent decides which capability a free-form request is aimed at.
//
// Classification runs in a fixed order: an explicit, registered capability
// wins outright; otherwise structural heuristics over hint fields; otherwise
// one bounded inference call. Any inference failure degrades to chat with
// zero confidence so the orchestrator asks for clarification.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/tides/internal/capability"
	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/inference"
	"github.com/antoniostano/tides/internal/policy"
	"github.com/antoniostano/tides/internal/protocol"
)

const DefaultInferenceTimeout = 400 * time.Millisecond

// Classification paths.
const (
	PathExplicit  = "explicit"
	PathHeuristic = "heuristic"
	PathInference = "inference"
	PathFallback  = "fallback"
)

// Fallback rationales, also used as metric labels.
const (
	ReasonEmpty       = "empty_request"
	ReasonUnavailable = "inference_unavailable"
	ReasonTimeout     = "inference_timeout"
	ReasonUnparseable = "inference_unparseable"
	ReasonUnknown     = "unknown_capability"
)

// Candidate is one capability the classifier considered.
type Candidate struct {
	Capability string `json:"capability"`
	Confidence int    `json:"confidence"`
}

// Result is the outcome of one classification.
type Result struct {
	Capability string `json:"capability"`
	Confidence int    `json:"confidence"`
	Rationale  string `json:"rationale,omitempty"`
	// Failure names the specific fallback cause; Rationale stays the
	// coarse "inference_unavailable" for every inference failure.
	Failure    string      `json:"failure,omitempty"`
	Path       string      `json:"path"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Degraded reports whether the result came from an inference failure.
func (r Result) Degraded() bool { return r.Path == PathFallback }

type rule struct {
	capability string
	hints      []string
	confidence int
}

type settings struct {
	timeout time.Duration
	logger  *zap.Logger
}

func newSettings(opts []Option) settings {
	s := settings{timeout: DefaultInferenceTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures a Classifier or Clarifier.
type Option func(*settings)

// WithTimeout bounds each inference call.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

type Classifier struct {
	settings
	registry *capability.Registry
	client   inference.Client
	rules    []rule
}

// NewClassifier compiles the registry's heuristics. client may be nil, in
// which case anything past the heuristics degrades to chat.
func NewClassifier(registry *capability.Registry, client inference.Client, opts ...Option) *Classifier {
	c := &Classifier{
		settings: newSettings(opts),
		registry: registry,
		client:   client,
	}
	for _, d := range registry.Descriptors() {
		for _, h := range d.Heuristics {
			c.rules = append(c.rules, rule{capability: d.Name, hints: h.Hints, confidence: h.Confidence})
		}
	}
	// Narrowest first; registration order breaks ties.
	sort.SliceStable(c.rules, func(i, j int) bool {
		return len(c.rules[i].hints) > len(c.rules[j].hints)
	})
	return c
}

// Infer classifies req. It never returns an error: every failure degrades
// to chat with confidence 0.
func (c *Classifier) Infer(ctx context.Context, req protocol.Request, caller identity.Caller) Result {
	if req.Capability != "" {
		if _, ok := c.registry.Lookup(req.Capability); ok {
			return Result{
				Capability: req.Capability,
				Confidence: 100,
				Rationale:  "explicit",
				Path:       PathExplicit,
				Candidates: []Candidate{{Capability: req.Capability, Confidence: 100}},
			}
		}
		c.logger.Debug("ignoring unknown explicit capability", zap.String("capability", req.Capability))
	}

	if res, ok := c.matchHeuristics(req); ok {
		return res
	}

	if req.Message == "" && len(req.Hints) == 0 {
		return fallback(ReasonEmpty)
	}
	return c.infer(ctx, req, caller)
}

func (c *Classifier) matchHeuristics(req protocol.Request) (Result, bool) {
	var (
		best       *rule
		candidates []Candidate
		seen       = map[string]bool{}
	)
	for i := range c.rules {
		r := &c.rules[i]
		if !hasAll(req, r.hints) {
			continue
		}
		if best == nil {
			best = r
		}
		if !seen[r.capability] {
			seen[r.capability] = true
			candidates = append(candidates, Candidate{Capability: r.capability, Confidence: r.confidence})
		}
	}
	if best == nil {
		return Result{}, false
	}
	return Result{
		Capability: best.capability,
		Confidence: best.confidence,
		Rationale:  "hints present: " + strings.Join(best.hints, ", "),
		Path:       PathHeuristic,
		Candidates: candidates,
	}, true
}

func hasAll(req protocol.Request, hints []string) bool {
	for _, h := range hints {
		if !req.HasHint(h) {
			return false
		}
	}
	return true
}

func (c *Classifier) infer(ctx context.Context, req protocol.Request, caller identity.Caller) Result {
	if c.client == nil {
		return fallback(ReasonUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Generate(ctx, inference.Request{
		System:   c.systemPrompt(),
		Prompt:   userPrompt(req),
		CallerID: caller.ID,
		Purpose:  "classify",
	})
	if err != nil {
		reason := ReasonUnavailable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		c.logger.Warn("intent inference failed", zap.String("reason", reason), zap.Error(err))
		return fallback(reason)
	}

	parsed, err := ParseResponse(resp.Text)
	if err != nil {
		c.logger.Warn("intent inference unparseable", zap.Error(err))
		return fallback(ReasonUnparseable)
	}
	if _, ok := c.registry.Lookup(parsed.Capability); !ok {
		c.logger.Warn("intent inference named unknown capability", zap.String("capability", parsed.Capability))
		return fallback(ReasonUnknown)
	}

	candidates := make([]Candidate, 0, len(parsed.Candidates)+1)
	candidates = append(candidates, Candidate{Capability: parsed.Capability, Confidence: parsed.Confidence})
	for _, cand := range parsed.Candidates {
		if cand.Capability == parsed.Capability {
			continue
		}
		if _, ok := c.registry.Lookup(cand.Capability); ok {
			candidates = append(candidates, cand)
		}
	}
	return Result{
		Capability: parsed.Capability,
		Confidence: parsed.Confidence,
		Rationale:  parsed.Rationale,
		Path:       PathInference,
		Candidates: candidates,
	}
}

func fallback(reason string) Result {
	rationale := ReasonUnavailable
	if reason == ReasonEmpty {
		rationale = ReasonEmpty
	}
	return Result{Capability: capability.Chat, Confidence: 0, Rationale: rationale, Failure: reason, Path: PathFallback}
}

func (c *Classifier) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You route requests for a productivity coaching service. Pick exactly one capability.\n\nCapabilities:\n")
	for _, d := range c.registry.Descriptors() {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	b.WriteString(`
Respond with JSON only: {"capability": "<name>", "confidence": <0-100>, "rationale": "<short reason>", "candidates": [{"capability": "<name>", "confidence": <0-100>}]}`)
	return b.String()
}

func userPrompt(req protocol.Request) string {
	msg, _ := policy.RedactPII(req.Message)
	var b strings.Builder
	b.WriteString("Message: ")
	b.WriteString(msg)
	if hints := policy.RedactHints(req.Hints); hints != "" {
		b.WriteString("\nHints:\n")
		b.WriteString(hints)
	}
	return b.String()
}

var (
	capabilityField = regexp.MustCompile(`(?i)capability\s*["']?\s*[:=]\s*["']?([a-z_]+)`)
	confidenceField = regexp.MustCompile(`(?i)confidence\s*["']?\s*[:=]\s*["']?([0-9]*\.?[0-9]+)`)
)

type rawResponse struct {
	Capability string         `json:"capability"`
	Confidence json.Number    `json:"confidence"`
	Rationale  string         `json:"rationale"`
	Candidates []rawCandidate `json:"candidates"`
}

type rawCandidate struct {
	Capability string      `json:"capability"`
	Confidence json.Number `json:"confidence"`
}

// ParseResponse extracts a classification from model text. It accepts a
// JSON object, optionally wrapped in a code fence or prose, or loose
// "capability: x confidence: n" pairs. Fractional confidences in [0,1] are
// scaled to percentages.
func ParseResponse(text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, errors.New("empty response")
	}

	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
		dec.UseNumber()
		var raw rawResponse
		if err := dec.Decode(&raw); err == nil && strings.TrimSpace(raw.Capability) != "" {
			conf, err := parseConfidence(raw.Confidence.String())
			if err != nil {
				return Result{}, err
			}
			res := Result{
				Capability: normalizeName(raw.Capability),
				Confidence: conf,
				Rationale:  strings.TrimSpace(raw.Rationale),
			}
			for _, rc := range raw.Candidates {
				cc, err := parseConfidence(rc.Confidence.String())
				if err != nil || strings.TrimSpace(rc.Capability) == "" {
					continue
				}
				res.Candidates = append(res.Candidates, Candidate{Capability: normalizeName(rc.Capability), Confidence: cc})
			}
			return res, nil
		}
	}

	capMatch := capabilityField.FindStringSubmatch(text)
	confMatch := confidenceField.FindStringSubmatch(text)
	if capMatch == nil || confMatch == nil {
		return Result{}, fmt.Errorf("no classification in %q", truncate(text, 80))
	}
	conf, err := parseConfidence(confMatch[1])
	if err != nil {
		return Result{}, err
	}
	return Result{Capability: normalizeName(capMatch[1]), Confidence: conf}, nil
}

func parseConfidence(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("missing confidence")
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid confidence %q", raw)
	}
	if f > 0 && f < 1 {
		f *= 100
	}
	switch {
	case f < 0:
		f = 0
	case f > 100:
		f = 100
	}
	return int(f + 0.5), nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
