// Package orchestrator turns one coordinator request into either a
// capability dispatch or a clarification round.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/tides/internal/capability"
	"github.com/antoniostano/tides/internal/conversation"
	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/intent"
	"github.com/antoniostano/tides/internal/observability"
	"github.com/antoniostano/tides/internal/protocol"
)

const (
	ModeStandard            = "standard"
	ModeConversationalFirst = "conversational-first"

	DefaultMaxAttempts = 3
	recentTurns        = 6
)

// Paths reported for outcomes that did not come straight from the
// classifier.
const (
	PathClarify = "clarify"
	PathForced  = "forced"
)

const apologyMessage = "Sorry, I'm having trouble with that right now. Please try again in a moment."

// ErrRouting is returned when no capability is registered. It is a
// validation error.
var ErrRouting = fmt.Errorf("%w: no capabilities registered", protocol.ErrValidation)

// ExecutionError wraps a failure of a non-conversational handler.
type ExecutionError struct {
	Capability string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.Capability, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Config holds the routing knobs. Zero values take defaults.
type Config struct {
	RoutingThreshold         int
	ClarificationMaxAttempts int
	ConversationTTL          time.Duration
	Mode                     string
}

func (c Config) withDefaults() (Config, error) {
	if c.Mode == "" {
		c.Mode = ModeStandard
	}
	if c.Mode != ModeStandard && c.Mode != ModeConversationalFirst {
		return c, fmt.Errorf("unknown routing mode %q", c.Mode)
	}
	if c.RoutingThreshold < 0 || c.RoutingThreshold > 100 {
		return c, fmt.Errorf("routing threshold %d outside [0,100]", c.RoutingThreshold)
	}
	if c.RoutingThreshold == 0 {
		c.RoutingThreshold = 70
		if c.Mode == ModeConversationalFirst {
			c.RoutingThreshold = 85
		}
	}
	if c.ClarificationMaxAttempts <= 0 {
		c.ClarificationMaxAttempts = DefaultMaxAttempts
	}
	if c.ConversationTTL <= 0 {
		c.ConversationTTL = conversation.DefaultTTL
	}
	return c, nil
}

// Outcome is the result of handling one request.
type Outcome struct {
	Capability         string
	Confidence         int
	Data               any
	ProcessingTime     time.Duration
	NeedsClarification bool
	Forced             bool
	Path               string
	ConversationID     string
}

type Deps struct {
	Registry   *capability.Registry
	Classifier *intent.Classifier
	Clarifier  *intent.Clarifier
	Store      *conversation.Store
	Resolver   capability.Resolver
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

type Orchestrator struct {
	cfg        Config
	registry   *capability.Registry
	classifier *intent.Classifier
	clarifier  *intent.Clarifier
	store      *conversation.Store
	resolver   capability.Resolver
	metrics    *observability.Metrics
	logger     *zap.Logger
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if deps.Registry == nil || deps.Classifier == nil || deps.Clarifier == nil || deps.Store == nil || deps.Resolver == nil {
		return nil, errors.New("orchestrator: registry, classifier, clarifier, store and resolver are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		registry:   deps.Registry,
		classifier: deps.Classifier,
		clarifier:  deps.Clarifier,
		store:      deps.Store,
		resolver:   deps.Resolver,
		metrics:    deps.Metrics,
		logger:     logger,
	}, nil
}

func (o *Orchestrator) Config() Config { return o.cfg }

// Handle routes req for caller. Validation failures and non-conversational
// handler failures are returned as errors alongside a partially filled
// Outcome; ambiguity is a normal outcome with NeedsClarification set.
func (o *Orchestrator) Handle(ctx context.Context, req protocol.Request, caller identity.Caller) (Outcome, error) {
	start := time.Now()
	req = req.Normalized()
	out, err := o.handle(ctx, req, caller)
	out.ProcessingTime = time.Since(start)
	if out.Path != "" {
		o.observeStage(observability.StageHandleTotal, out.ProcessingTime)
		if o.metrics != nil {
			o.metrics.Requests.WithLabelValues(out.Capability, out.Path).Inc()
		}
	}
	return out, err
}

func (o *Orchestrator) handle(ctx context.Context, req protocol.Request, caller identity.Caller) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	if o.registry.Len() == 0 {
		return Outcome{}, ErrRouting
	}

	classifyStart := time.Now()
	res := o.classifier.Infer(ctx, req, caller)
	o.observeStage(observability.StageClassify, time.Since(classifyStart))
	if o.metrics != nil {
		o.metrics.Confidence.Observe(float64(res.Confidence))
		if res.Degraded() && res.Failure != intent.ReasonEmpty {
			o.metrics.InferenceFailures.WithLabelValues(res.Failure).Inc()
			o.metrics.ObserveIndicator("inference_fallback")
		}
	}

	if res.Confidence >= o.cfg.RoutingThreshold {
		return o.dispatchConfident(ctx, req, caller, res)
	}
	return o.clarify(ctx, req, caller, res)
}

func (o *Orchestrator) dispatchConfident(ctx context.Context, req protocol.Request, caller identity.Caller, res intent.Result) (Outcome, error) {
	out := Outcome{
		Capability:     res.Capability,
		Confidence:     res.Confidence,
		Path:           res.Path,
		ConversationID: req.ConversationID,
	}
	data, err := o.dispatch(ctx, req, caller, res.Capability)
	if err != nil {
		return out, err
	}
	out.Data = data

	if req.ConversationID != "" {
		o.resolveConversation(ctx, req, caller, res)
	}
	return out, nil
}

// resolveConversation records a confident turn in an existing conversation
// and resets its clarification counter. Conversations are never created
// for confident requests.
func (o *Orchestrator) resolveConversation(ctx context.Context, req protocol.Request, caller identity.Caller, res intent.Result) {
	st, err := o.store.Get(ctx, req.ConversationID)
	if err != nil || st == nil || st.CallerID != caller.ID {
		return
	}
	hadAttempts := st.Context.ClarificationAttempts > 0
	_, err = o.store.Update(ctx, req.ConversationID, caller.ID, func(st *conversation.State) error {
		if req.Message != "" {
			st.Turns = append(st.Turns, conversation.Turn{Role: conversation.RoleUser, Text: req.Message})
		}
		st.Context.ClarificationAttempts = 0
		st.Context.LastCapability = res.Capability
		st.Context.LastConfidence = res.Confidence
		return nil
	})
	if err != nil {
		o.logger.Warn("conversation reset failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
		return
	}
	if hadAttempts && o.metrics != nil {
		o.metrics.Clarifications.WithLabelValues("resolved").Inc()
	}
}

// clarify asks the caller for more detail, or forces dispatch once the
// conversation has used up its clarification attempts. The decision is made
// inside the conversation's update so concurrent requests sharing an id
// count attempts exactly once each.
func (o *Orchestrator) clarify(ctx context.Context, req protocol.Request, caller identity.Caller, res intent.Result) (Outcome, error) {
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	maxAttempts := o.cfg.ClarificationMaxAttempts

	prior, err := o.store.Get(ctx, convID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load conversation: %w", err)
	}
	if prior != nil && prior.CallerID != caller.ID {
		return Outcome{}, fmt.Errorf("%w: %w", protocol.ErrValidation, conversation.ErrCallerMismatch)
	}
	seen := 0
	if prior != nil {
		seen = prior.Context.ClarificationAttempts
	}

	clarifyStart := time.Now()
	var prompt intent.Prompt
	generated := false
	if seen < maxAttempts {
		// Inference runs before any state change so cancellation leaves the
		// conversation untouched.
		prompt = o.clarifier.Clarify(ctx, req, caller, res, seen+1, prior.RecentTexts(recentTurns))
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		generated = true
	}

	best := bestCandidate(res)
	var (
		forced bool
		stored intent.Candidate
	)
	next, err := o.store.Update(ctx, convID, caller.ID, func(st *conversation.State) error {
		if req.Message != "" {
			st.Turns = append(st.Turns, conversation.Turn{Role: conversation.RoleUser, Text: req.Message})
		}
		attempts := st.Context.ClarificationAttempts
		if attempts >= maxAttempts {
			forced = true
			stored = intent.Candidate{Capability: st.Context.LastCapability, Confidence: st.Context.LastConfidence}
			return nil
		}
		if !generated {
			prompt = o.clarifier.Static(res, attempts+1)
		}
		st.Turns = append(st.Turns, conversation.Turn{Role: conversation.RoleAssistant, Text: prompt.Message})
		st.Context.ClarificationAttempts = attempts + 1
		st.Context.LastCapability = best.Capability
		st.Context.LastConfidence = best.Confidence
		return nil
	})
	if err != nil {
		if errors.Is(err, conversation.ErrCallerMismatch) {
			err = fmt.Errorf("%w: %w", protocol.ErrValidation, err)
		}
		return Outcome{}, fmt.Errorf("save clarification: %w", err)
	}
	if forced {
		return o.forceDispatch(ctx, req, caller, res, stored, convID)
	}
	o.observeStage(observability.StageClarify, time.Since(clarifyStart))
	if o.metrics != nil {
		o.metrics.Clarifications.WithLabelValues("asked").Inc()
	}

	return Outcome{
		Capability:         res.Capability,
		Confidence:         res.Confidence,
		NeedsClarification: true,
		Path:               PathClarify,
		ConversationID:     convID,
		Data: protocol.Clarification{
			NeedsClarification: true,
			Message:            prompt.Message,
			Suggestions:        prompt.Suggestions,
			ConversationID:     convID,
			Attempt:            next.Context.ClarificationAttempts,
		},
	}, nil
}

// forceDispatch runs the best candidate stored by the previous
// clarification round. The stored result can be several turns old; the
// current request's own classification is not consulted. The user turn is
// already recorded.
func (o *Orchestrator) forceDispatch(ctx context.Context, req protocol.Request, caller identity.Caller, res intent.Result, stored intent.Candidate, convID string) (Outcome, error) {
	target, confidence := stored.Capability, stored.Confidence
	if target == "" {
		target, confidence = capability.Chat, 0
	}
	if _, ok := o.registry.Lookup(target); !ok {
		target, confidence = capability.Chat, 0
	}

	if o.metrics != nil {
		o.metrics.Clarifications.WithLabelValues("forced").Inc()
		o.metrics.ObserveIndicator("forced_dispatch")
	}
	o.logger.Info("forcing dispatch after clarification limit",
		zap.String("conversation_id", convID),
		zap.String("capability", target),
		zap.Int("stored_confidence", confidence),
		zap.String("current_capability", res.Capability),
	)

	out := Outcome{
		Capability:     target,
		Confidence:     confidence,
		Forced:         true,
		Path:           PathForced,
		ConversationID: convID,
	}
	data, err := o.dispatch(ctx, req, caller, target)
	if err != nil {
		return out, err
	}
	out.Data = data
	return out, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, req protocol.Request, caller identity.Caller, name string) (any, error) {
	h, ok := o.registry.Lookup(name)
	if !ok {
		return nil, &ExecutionError{Capability: name, Err: errors.New("capability not registered")}
	}
	start := time.Now()
	data, err := h.Execute(ctx, req, caller, o.resolver)
	if o.metrics != nil {
		o.metrics.ObserveDispatch(name, time.Since(start), err != nil)
	}
	if err == nil {
		return data, nil
	}

	o.logger.Warn("capability failed",
		zap.String("capability", name),
		zap.String("caller_id", caller.ID),
		zap.Error(err),
	)
	if h.Descriptor().Conversational && !errors.Is(err, protocol.ErrValidation) {
		return map[string]any{"message": apologyMessage, "degraded": true}, nil
	}
	return nil, &ExecutionError{Capability: name, Err: err}
}

func bestCandidate(res intent.Result) intent.Candidate {
	best := intent.Candidate{Capability: res.Capability, Confidence: res.Confidence}
	for _, c := range res.Candidates {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best
}

func (o *Orchestrator) observeStage(stage string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveStage(stage, d)
	}
}
