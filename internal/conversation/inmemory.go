package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryBackend is an in-process backend for local/dev use and tests.
type InMemoryBackend struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{states: make(map[string]*State)}
}

func (b *InMemoryBackend) Load(_ context.Context, id string) (*State, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (b *InMemoryBackend) Save(_ context.Context, state *State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[state.ID] = state.clone()
	return nil
}

func (b *InMemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, id)
	return nil
}

func (b *InMemoryBackend) IdleSince(_ context.Context, cutoff time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	for id, s := range b.states {
		if s.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *InMemoryBackend) Count(context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.states), nil
}

func (b *InMemoryBackend) Close() error { return nil }
