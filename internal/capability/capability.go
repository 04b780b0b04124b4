// Package capability holds the immutable registry of capability handlers
// the orchestrator dispatches to.
//
// Handlers receive the record resolver and nothing else from the routing
// layer; they must never call back into classification or orchestration.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/protocol"
	"github.com/antoniostano/tides/internal/records"
)

// Chat is the capability every degraded route falls back to.
const Chat = "chat"

var ErrEmptyRegistry = errors.New("capability set is empty")

// Heuristic fires when every listed hint field is present on a request.
type Heuristic struct {
	Hints      []string `yaml:"hints" json:"hints"`
	Confidence int      `yaml:"confidence" json:"confidence"`
}

// Specificity is the number of hint fields the heuristic requires.
func (h Heuristic) Specificity() int { return len(h.Hints) }

// Descriptor is the static description of a capability.
type Descriptor struct {
	Name           string      `yaml:"name" json:"name"`
	Description    string      `yaml:"description" json:"description"`
	Conversational bool        `yaml:"conversational" json:"conversational"`
	Params         []string    `yaml:"params" json:"params,omitempty"`
	Suggestion     string      `yaml:"suggestion" json:"suggestion,omitempty"`
	Heuristics     []Heuristic `yaml:"heuristics" json:"heuristics,omitempty"`
	Disabled       bool        `yaml:"disabled" json:"-"`
}

// Resolver is the read-only record access handlers are given.
type Resolver interface {
	FetchOne(ctx context.Context, caller identity.Caller, scope, id string) (records.Record, error)
	FetchAny(ctx context.Context, caller identity.Caller, scope, id string) (records.Record, error)
	ListAll(ctx context.Context, caller identity.Caller, scope string) ([]string, error)
	ListRecords(ctx context.Context, caller identity.Caller, scope string) ([]records.Record, error)
}

// Capability is one independently implemented handler.
type Capability interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, req protocol.Request, caller identity.Caller, resolver Resolver) (any, error)
}

// Registry maps capability names to handlers. It is built once at startup
// and never mutated afterwards.
type Registry struct {
	byName map[string]Capability
	order  []string
}

func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{byName: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if c == nil {
			return nil, errors.New("capability is nil")
		}
		d := c.Descriptor()
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if name == "" {
			return nil, errors.New("capability name is required")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate capability %q", name)
		}
		for _, h := range d.Heuristics {
			if h.Confidence < 70 || h.Confidence > 95 {
				return nil, fmt.Errorf("capability %q heuristic %v confidence %d outside [70,95]", name, h.Hints, h.Confidence)
			}
			if len(h.Hints) == 0 {
				return nil, fmt.Errorf("capability %q has a heuristic without hints", name)
			}
		}
		r.byName[name] = c
		r.order = append(r.order, name)
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Capability, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Names returns capability names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Descriptors returns descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	if r == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Descriptor())
	}
	return out
}

// IsConversational reports whether failures of name should read as chat.
func (r *Registry) IsConversational(name string) bool {
	c, ok := r.Lookup(name)
	return ok && c.Descriptor().Conversational
}

// Suggestions returns one example phrasing per capability, sorted by name.
func (r *Registry) Suggestions() []string {
	if r == nil {
		return nil
	}
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		if s := strings.TrimSpace(r.byName[n].Descriptor().Suggestion); s != "" {
			out = append(out, s)
		}
	}
	return out
}
