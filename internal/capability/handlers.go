package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/inference"
	"github.com/antoniostano/tides/internal/policy"
	"github.com/antoniostano/tides/internal/protocol"
	"github.com/antoniostano/tides/internal/records"
)

// Deps are shared by the built-in handlers.
type Deps struct {
	Inference inference.Client
	Logger    *zap.Logger
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

// Build creates the registry of built-in handlers from a catalog. Disabled
// entries are left out; chat is mandatory.
func Build(catalog []Descriptor, deps Deps) (*Registry, error) {
	ctors := map[string]func(Descriptor, Deps) Capability{
		"insights":    func(d Descriptor, deps Deps) Capability { return &insightsHandler{base{d, deps}} },
		"optimize":    func(d Descriptor, deps Deps) Capability { return &optimizeHandler{base{d, deps}} },
		"questions":   func(d Descriptor, deps Deps) Capability { return &questionsHandler{base{d, deps}} },
		"preferences": func(d Descriptor, deps Deps) Capability { return &preferencesHandler{base{d, deps}} },
		"reports":     func(d Descriptor, deps Deps) Capability { return &reportsHandler{base{d, deps}} },
		Chat:          func(d Descriptor, deps Deps) Capability { return &chatHandler{base{d, deps}} },
	}

	caps := make([]Capability, 0, len(catalog))
	hasChat := false
	for _, d := range catalog {
		ctor, ok := ctors[d.Name]
		if !ok {
			return nil, fmt.Errorf("no handler for capability %q", d.Name)
		}
		if d.Name == Chat {
			if d.Disabled {
				return nil, errors.New("chat capability cannot be disabled")
			}
			hasChat = true
		}
		if d.Disabled {
			continue
		}
		caps = append(caps, ctor(d, deps))
	}
	if len(caps) == 0 {
		return nil, ErrEmptyRegistry
	}
	if !hasChat {
		return nil, errors.New("catalog must include the chat capability")
	}
	return NewRegistry(caps...)
}

type base struct {
	desc Descriptor
	deps Deps
}

func (b base) Descriptor() Descriptor { return b.desc }

func (b base) stats(ctx context.Context, req protocol.Request, caller identity.Caller, resolver Resolver, timeframe string) (Stats, error) {
	tf, window, err := parseTimeframe(timeframe)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", protocol.ErrValidation, err)
	}
	recs, err := resolver.ListRecords(ctx, caller, req.RecordScope)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(decodeTides(recs), tf, window, b.deps.now()), nil
}

func (b base) preferences(ctx context.Context, req protocol.Request, caller identity.Caller, resolver Resolver) (Preferences, string, error) {
	prefs := defaultPreferences()
	rec, err := resolver.FetchAny(ctx, caller, req.RecordScope, PreferencesID)
	if errors.Is(err, records.ErrNotFound) {
		return prefs, "default", nil
	}
	if err != nil {
		return prefs, "", err
	}
	if err := json.Unmarshal(rec.Body, &prefs); err != nil {
		return defaultPreferences(), "", fmt.Errorf("decode preferences: %w", err)
	}
	if prefs.FocusTimeBlocks <= 0 {
		prefs.FocusTimeBlocks = defaultFocusBlockMins
	}
	return prefs, rec.Partition, nil
}

func (b base) generate(ctx context.Context, caller identity.Caller, purpose, system, prompt string) (string, error) {
	if b.deps.Inference == nil {
		return "", errors.New("inference client is not configured")
	}
	redacted, _ := policy.RedactPII(prompt)
	resp, err := b.deps.Inference.Generate(ctx, inference.Request{
		System:   system,
		Prompt:   redacted,
		CallerID: caller.ID,
		Purpose:  purpose,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errors.New("inference returned empty text")
	}
	return text, nil
}

func summarize(s Stats) string {
	if s.Sessions == 0 {
		return fmt.Sprintf("No flow sessions recorded in the last %s.", s.Timeframe)
	}
	return fmt.Sprintf("%d flow sessions across %d tides in the last %s, %d minutes in total, average energy %.1f.",
		s.Sessions, s.Tides, s.Timeframe, s.TotalMinutes, s.AverageEnergy)
}

type insightsHandler struct{ base }

func (h *insightsHandler) Execute(ctx context.Context, req protocol.Request, caller identity.Caller, resolver Resolver) (any, error) {
	stats, err := h.stats(ctx, req, caller, resolver, req.HintString("timeframe"))
	if err != nil {
		return nil, err
	}
	var highlights []string
	if stats.PeakHour >= 0 {
		highlights = append(highlights, fmt.Sprintf("Most focused time starts around %02d:00 UTC.", stats.PeakHour))
	}
	if len(stats.TopTags) > 0 {
		highlights = append(highlights, fmt.Sprintf("Most frequent focus area: %s.", stats.TopTags[0].Tag))
	}
	if stats.Sessions > 0 && stats.AverageMinutes < 25 {
		highlights = append(highlights, "Sessions are short; try protecting longer blocks.")
	}
	return map[string]any{
		"message":    summarize(stats),
		"insights":   stats,
		"highlights": highlights,
	}, nil
}

// FocusBlock is one recommended focus window.
type FocusBlock struct {
	StartHour     int     `json:"start_hour"`
	Minutes       int     `json:"minutes"`
	AverageEnergy float64 `json:"average_energy"`
}

type optimizeHandler struct{ base }

func (h *optimizeHandler) Execute(ctx context.Context, req protocol.Request, caller identity.Caller, resolver Resolver) (any, error) {
	prefs, _, err := h.preferences(ctx, req, caller, resolver)
	if err != nil {
		h.deps.logger().Warn("preferences unavailable, using defaults", zap.String("scope", req.RecordScope), zap.Error(err))
		prefs = defaultPreferences()
	}
	blockMins := hintInt(req.Hints["focus_time_blocks"], prefs.FocusTimeBlocks)
	if blockMins <= 0 {
		return nil, fmt.Errorf("%w: focus_time_blocks must be positive", protocol.ErrValidation)
	}
	stats, err := h.stats(ctx, req, caller, resolver, req.HintString("timeframe"))
	if err != nil {
		return nil, err
	}

	blocks := make([]FocusBlock, 0, maxRecommendedBlocks)
	for _, hour := range stats.hoursByEnergy() {
		if hour < prefs.WorkdayStart || hour >= prefs.WorkdayEnd {
			continue
		}
		values := stats.energyByHour[hour]
		sum := 0
		for _, v := range values {
			sum += v
		}
		blocks = append(blocks, FocusBlock{
			StartHour:     hour,
			Minutes:       blockMins,
			AverageEnergy: round1(float64(sum) / float64(len(values))),
		})
		if len(blocks) == maxRecommendedBlocks {
			break
		}
	}

	msg := fmt.Sprintf("Not enough history yet. Start with a %d minute focus block at %02d:00.", blockMins, prefs.WorkdayStart)
	if len(blocks) > 0 {
		msg = fmt.Sprintf("Schedule %d minute focus blocks starting at %02d:00, when your energy is highest.", blockMins, blocks[0].StartHour)
	}
	return map[string]any{
		"message":            msg,
		"focus_block_mins":   blockMins,
		"recommended_blocks": blocks,
		"based_on":           stats,
	}, nil
}

const coachSystemPrompt = "You are Tides, a concise productivity coach. Answer in two or three sentences using the caller's flow data."

type questionsHandler struct{ base }

func (h *questionsHandler) Execute(ctx context.Context, req protocol.Request, caller identity.Caller, resolver Resolver) (any, error) {
	question := req.HintString("question")
	if question == "" {
		question = req.Message
	}
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", protocol.ErrValidation)
	}
	stats, err := h.stats(ctx, req, caller, resolver, req.HintString("timeframe"))
	if err != nil {
		return nil, err
	}
	answer, err := h.generate(ctx, caller, "answer", coachSystemPrompt,
		fmt.Sprintf("Flow data: %s\nQuestion: %s", summarize(stats), question))
	if err != nil {
		return nil, err
	}
	return map[string]any{"question": question, "answer": answer}, nil
}

type preferencesHandler struct{ base }

func (h *preferencesHandler) Execute(ctx context.Context, req protocol.Request, caller identity.Caller, resolver Resolver) (any, error) {
	prefs, source, err := h.preferences(ctx, req, caller, resolver)
	if err != nil {
		return nil, err
	}
	return map[string]any{"preferences": prefs, "source": source}, nil
}

var reportPeriods = map[string]string{
	"day":   "daily",
	"week":  "weekly",
	"month": "monthly",
}

type reportsHandler struct{ base }

func (h *reportsHandler) Execute(ctx context.Context, req protocol.Request, caller identity.Caller, resolver Resolver) (any, error) {
	reportType := strings.ToLower(req.HintString("report_type"))
	if reportType == "" {
		reportType = defaultReportType
	}
	if reportType != "summary" && reportType != "detailed" {
		return nil, fmt.Errorf("%w: unknown report_type %q", protocol.ErrValidation, reportType)
	}
	period := strings.ToLower(req.HintString("period"))
	if period == "" {
		period = defaultReportPeriod
	}
	timeframe, ok := reportPeriods[period]
	if !ok {
		return nil, fmt.Errorf("%w: unknown period %q", protocol.ErrValidation, period)
	}
	stats, err := h.stats(ctx, req, caller, resolver, timeframe)
	if err != nil {
		return nil, err
	}

	report := map[string]any{
		"report_type":  reportType,
		"period":       period,
		"generated_at": h.deps.now().UTC(),
		"summary":      summarize(stats),
		"totals": map[string]any{
			"tides":           stats.Tides,
			"sessions":        stats.Sessions,
			"total_minutes":   stats.TotalMinutes,
			"average_minutes": stats.AverageMinutes,
			"average_energy":  stats.AverageEnergy,
		},
	}
	if reportType == "detailed" {
		report["minutes_by_day"] = stats.MinutesByDay
		report["top_tags"] = stats.TopTags
		report["peak_hour"] = stats.PeakHour
	}
	return report, nil
}

type chatHandler struct{ base }

func (h *chatHandler) Execute(ctx context.Context, req protocol.Request, caller identity.Caller, resolver Resolver) (any, error) {
	message := req.Message
	if message == "" {
		message = req.HintString("message")
	}
	if message == "" {
		return map[string]any{"message": "Hi! Ask me about your focus time, energy, or schedule."}, nil
	}

	prompt := "User: " + message
	if stats, err := h.stats(ctx, req, caller, resolver, ""); err == nil && stats.Sessions > 0 {
		prompt = "Flow data: " + summarize(stats) + "\n" + prompt
	}
	reply, err := h.generate(ctx, caller, "chat", coachSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": reply}, nil
}
