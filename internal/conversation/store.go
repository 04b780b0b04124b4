package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultIdleTimeout = 30 * time.Second
	mailboxSize        = 32
)

var errRemoved = errors.New("conversation removed")

// Store events reported to the event hook.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventReset   = "reset"
	EventExpired = "expired"
)

// Store serializes every mutation of one conversation through a dedicated
// actor goroutine. Actors start on first use and retire after an idle
// period with an empty mailbox.
type Store struct {
	backend Backend
	ttl     time.Duration
	idle    time.Duration
	now     func() time.Time
	logger  *zap.Logger
	onEvent func(string)

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

type actor struct {
	id      string
	inbox   chan task
	pending int
}

type Option func(*Store)

func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithIdleTimeout sets how long an actor waits for work before retiring.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.idle = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEventHook is called with one of the Event constants after each
// successful state change.
func WithEventHook(fn func(event string)) Option {
	return func(s *Store) { s.onEvent = fn }
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		ttl:     DefaultTTL,
		idle:    DefaultIdleTimeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  zap.NewNop(),
		actors:  make(map[string]*actor),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns the state for id, or nil when it is missing or expired.
func (s *Store) Get(ctx context.Context, id string) (*State, error) {
	st, err := s.backend.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if st.Expired(s.now()) {
		return nil, nil
	}
	return st, nil
}

// Append adds turns in order, creating the conversation when needed.
func (s *Store) Append(ctx context.Context, id, callerID string, turns ...Turn) (*State, error) {
	return s.Update(ctx, id, callerID, func(st *State) error {
		st.Turns = append(st.Turns, turns...)
		return nil
	})
}

// Update runs fn against the current state as one atomic step. Missing or
// expired state starts fresh. If fn returns an error nothing is saved.
func (s *Store) Update(ctx context.Context, id, callerID string, fn func(*State) error) (*State, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("conversation id is required")
	}
	var out *State
	err := s.do(ctx, id, func(ctx context.Context) error {
		now := s.now()
		st, err := s.backend.Load(ctx, id)
		event := EventUpdated
		switch {
		case errors.Is(err, ErrNotFound):
			st, event = nil, EventCreated
		case err != nil:
			return err
		case st.Expired(now):
			st, event = nil, EventCreated
		case st.CallerID != callerID:
			return ErrCallerMismatch
		}
		if st == nil {
			st = &State{ID: id, CallerID: callerID, CreatedAt: now}
		}

		next := st.clone()
		if err := fn(next); err != nil {
			return err
		}
		for i := range next.Turns {
			if next.Turns[i].Timestamp.IsZero() {
				next.Turns[i].Timestamp = now
			}
		}
		next.UpdatedAt = now
		next.ExpiresAt = now.Add(s.ttl)
		if err := s.backend.Save(ctx, next); err != nil {
			return err
		}
		out = next.clone()
		s.emit(event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reset deletes the conversation.
func (s *Store) Reset(ctx context.Context, id string) error {
	return s.do(ctx, id, func(ctx context.Context) error {
		if err := s.backend.Delete(ctx, id); err != nil {
			return err
		}
		s.emit(EventReset)
		return nil
	})
}

// ExpireOlderThan removes conversations not updated within ttl and returns
// how many were removed. Each removal goes through the conversation's actor
// so a concurrent update wins over the sweep.
func (s *Store) ExpireOlderThan(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl)
	ids, err := s.backend.IdleSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		err := s.do(ctx, id, func(ctx context.Context) error {
			st, err := s.backend.Load(ctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !st.UpdatedAt.Before(cutoff) {
				return nil
			}
			if err := s.backend.Delete(ctx, id); err != nil {
				return err
			}
			s.emit(EventExpired)
			return errRemoved
		})
		switch {
		case errors.Is(err, errRemoved):
			removed++
		case err != nil:
			return removed, err
		}
	}
	return removed, nil
}

// Count reports how many conversations the backend holds.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.backend.Count(ctx)
}

// Close stops every actor, failing queued work with ErrClosed, then closes
// the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()

	s.wg.Wait()
	return s.backend.Close()
}

func (s *Store) emit(event string) {
	if s.onEvent != nil {
		s.onEvent(event)
	}
}

func (s *Store) do(ctx context.Context, id string, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	a, ok := s.actors[id]
	if !ok {
		a = &actor{id: id, inbox: make(chan task, mailboxSize)}
		s.actors[id] = a
		s.wg.Add(1)
		go s.run(a)
	}
	a.pending++
	s.mu.Unlock()

	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case a.inbox <- t:
	case <-ctx.Done():
		s.release(a)
		return ctx.Err()
	case <-s.quit:
		s.release(a)
		return ErrClosed
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) run(a *actor) {
	defer s.wg.Done()
	timer := time.NewTimer(s.idle)
	defer timer.Stop()

	for {
		select {
		case t := <-a.inbox:
			s.handle(a, t)
			timer.Reset(s.idle)
		case <-timer.C:
			s.mu.Lock()
			if a.pending == 0 {
				delete(s.actors, a.id)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			timer.Reset(s.idle)
		case <-s.quit:
			s.drain(a)
			return
		}
	}
}

func (s *Store) handle(a *actor, t task) {
	var err error
	if err = t.ctx.Err(); err == nil {
		err = t.fn(t.ctx)
	}
	t.done <- err
	s.release(a)
}

func (s *Store) release(a *actor) {
	s.mu.Lock()
	a.pending--
	s.mu.Unlock()
}

// drain fails work that was accepted before Close.
func (s *Store) drain(a *actor) {
	for {
		select {
		case t := <-a.inbox:
			t.done <- ErrClosed
			s.release(a)
		default:
			s.mu.Lock()
			n := a.pending
			s.mu.Unlock()
			if n == 0 {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}
