package intent

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/tides/internal/capability"
	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/inference"
	"github.com/antoniostano/tides/internal/policy"
	"github.com/antoniostano/tides/internal/protocol"
)

const maxSuggestions = 3

// Prompt is a generated clarification question.
type Prompt struct {
	Message     string
	Suggestions []string
	Generated   bool
}

// Clarifier writes the question shown when intent is ambiguous. It falls
// back to a static prompt whenever inference is unavailable.
type Clarifier struct {
	settings
	registry *capability.Registry
	client   inference.Client
}

func NewClarifier(registry *capability.Registry, client inference.Client, opts ...Option) *Clarifier {
	return &Clarifier{settings: newSettings(opts), registry: registry, client: client}
}

// Clarify builds the clarification for attempt (1-based). history holds
// recent turn texts, oldest first. When classification already lost the
// inference service the static prompt is used without another call.
func (c *Clarifier) Clarify(ctx context.Context, req protocol.Request, caller identity.Caller, res Result, attempt int, history []string) Prompt {
	static := c.Static(res, attempt)
	if c.client == nil || (req.Message == "" && len(history) == 0) {
		return static
	}
	if res.Failure == ReasonTimeout || res.Failure == ReasonUnavailable {
		return static
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Generate(ctx, inference.Request{
		System:   clarifySystemPrompt,
		Prompt:   clarifyUserPrompt(req, history),
		CallerID: caller.ID,
		Purpose:  "clarify",
	})
	if err != nil {
		c.logger.Debug("clarification inference failed, using static prompt", zap.Error(err))
		return static
	}

	var out struct {
		Message     string   `json:"message"`
		Suggestions []string `json:"suggestions"`
	}
	text := strings.TrimSpace(resp.Text)
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
			out.Message = ""
		}
	}
	if strings.TrimSpace(out.Message) == "" {
		return static
	}

	suggestions := make([]string, 0, maxSuggestions)
	for _, s := range out.Suggestions {
		if s = strings.TrimSpace(s); s != "" && len(suggestions) < maxSuggestions {
			suggestions = append(suggestions, s)
		}
	}
	if len(suggestions) == 0 {
		suggestions = static.Suggestions
	}
	return Prompt{Message: strings.TrimSpace(out.Message), Suggestions: suggestions, Generated: true}
}

// Static builds the clarification without inference.
func (c *Clarifier) Static(res Result, attempt int) Prompt {
	msg := "I'm not sure what you'd like to do. Could you tell me a bit more?"
	if attempt > 1 {
		msg = "I still need a little more detail. You could try one of these:"
	}

	suggestions := make([]string, 0, maxSuggestions)
	seen := map[string]bool{}
	add := func(s string) {
		if s != "" && !seen[s] && len(suggestions) < maxSuggestions {
			seen[s] = true
			suggestions = append(suggestions, s)
		}
	}
	for _, cand := range res.Candidates {
		if h, ok := c.registry.Lookup(cand.Capability); ok {
			add(h.Descriptor().Suggestion)
		}
	}
	for _, s := range c.registry.Suggestions() {
		add(s)
	}
	return Prompt{Message: msg, Suggestions: suggestions}
}

const clarifySystemPrompt = `You help a productivity coaching service ask one short clarifying question.
Respond with JSON only: {"message": "<question>", "suggestions": ["<example request>", ...]} with at most three suggestions.`

func clarifyUserPrompt(req protocol.Request, history []string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, h := range history {
			line, _ := policy.RedactPII(h)
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	msg, _ := policy.RedactPII(req.Message)
	b.WriteString("Latest message: ")
	b.WriteString(msg)
	return b.String()
}
