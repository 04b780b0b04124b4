// Package conversation keeps short-lived clarification state keyed by
// conversation id.
package conversation

import (
	"context"
	"errors"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrNotFound is returned by backends for a missing id.
	ErrNotFound = errors.New("conversation not found")
	// ErrCallerMismatch is returned when a caller touches another caller's
	// conversation.
	ErrCallerMismatch = errors.New("conversation belongs to another caller")
	ErrClosed         = errors.New("conversation store closed")
)

type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the routing memory carried between clarification rounds.
type Context struct {
	LastCapability        string `json:"last_capability,omitempty"`
	LastConfidence        int    `json:"last_confidence"`
	ClarificationAttempts int    `json:"clarification_attempts"`
}

type State struct {
	ID        string    `json:"conversation_id"`
	CallerID  string    `json:"caller_id"`
	Turns     []Turn    `json:"turns"`
	Context   Context   `json:"context"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the state is past its expiry at now.
func (s *State) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// RecentTexts returns up to n turn texts, oldest first, prefixed by role.
func (s *State) RecentTexts(n int) []string {
	if s == nil || n <= 0 {
		return nil
	}
	turns := s.Turns
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, string(t.Role)+": "+t.Text)
	}
	return out
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	return &c
}

// Backend persists conversation state. Load returns ErrNotFound for a
// missing id.
type Backend interface {
	Load(ctx context.Context, id string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, id string) error
	// IdleSince lists ids whose last update is before cutoff.
	IdleSince(ctx context.Context, cutoff time.Time) ([]string, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
