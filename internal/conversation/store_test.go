package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := NewStore(NewInMemoryBackend(), opts...)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestAppendCreatesAndExtends(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now), WithTTL(time.Hour))
	ctx := context.Background()

	st, err := s.Append(ctx, "c1", "caller", Turn{Role: RoleUser, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "caller", st.CallerID)
	assert.Equal(t, clock.Now(), st.CreatedAt)
	assert.Equal(t, clock.Now().Add(time.Hour), st.ExpiresAt)
	require.Len(t, st.Turns, 1)
	assert.Equal(t, clock.Now(), st.Turns[0].Timestamp)

	clock.Advance(time.Minute)
	st, err = s.Append(ctx, "c1", "caller", Turn{Role: RoleAssistant, Text: "hello"}, Turn{Role: RoleUser, Text: "again"})
	require.NoError(t, err)
	require.Len(t, st.Turns, 3)
	assert.Equal(t, []string{"user: hi", "assistant: hello", "user: again"}, st.RecentTexts(10))
	assert.Equal(t, []string{"user: again"}, st.RecentTexts(1))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, "shared", "caller", Turn{Role: RoleUser, Text: fmt.Sprintf("turn-%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	st, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, st.Turns, n)
	seen := map[string]bool{}
	for _, turn := range st.Turns {
		assert.False(t, seen[turn.Text], "duplicate %s", turn.Text)
		seen[turn.Text] = true
	}
}

func TestSequentialAppendsKeepArrivalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, "c1", "caller", Turn{Role: RoleUser, Text: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	st, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	for i, turn := range st.Turns {
		assert.Equal(t, fmt.Sprint(i), turn.Text)
	}
}

func TestUpdateErrorSavesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, "c1", "caller", Turn{Role: RoleUser, Text: "hi"})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Update(ctx, "c1", "caller", func(st *State) error {
		st.Context.ClarificationAttempts = 9
		st.Turns = nil
		return boom
	})
	require.ErrorIs(t, err, boom)

	st, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, st.Turns, 1)
	assert.Zero(t, st.Context.ClarificationAttempts)
}

func TestUpdateRejectsOtherCaller(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, "c1", "alice", Turn{Role: RoleUser, Text: "hi"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "c1", "bob", Turn{Role: RoleUser, Text: "mine now"})
	require.ErrorIs(t, err, ErrCallerMismatch)
}

func TestExpiredStateReadsAsMissingAndRestarts(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now), WithTTL(time.Hour))
	ctx := context.Background()

	_, err := s.Update(ctx, "c1", "alice", func(st *State) error {
		st.Context.ClarificationAttempts = 2
		return nil
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	st, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = s.Append(ctx, "c1", "bob", Turn{Role: RoleUser, Text: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, "bob", st.CallerID)
	assert.Zero(t, st.Context.ClarificationAttempts)
	assert.Len(t, st.Turns, 1)
}

func TestResetDeletes(t *testing.T) {
	var events []string
	var mu sync.Mutex
	s := newTestStore(t, WithEventHook(func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}))
	ctx := context.Background()

	_, err := s.Append(ctx, "c1", "caller", Turn{Role: RoleUser, Text: "hi"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "c1", "caller", Turn{Role: RoleUser, Text: "again"})
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx, "c1"))

	st, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, st)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventCreated, EventUpdated, EventReset}, events)
}

func TestExpireOlderThan(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	_, err := s.Append(ctx, "old", "caller", Turn{Role: RoleUser, Text: "a"})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = s.Append(ctx, "new", "caller", Turn{Role: RoleUser, Text: "b"})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	removed, err := s.ExpireOlderThan(ctx, 90*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st, err := s.Get(ctx, "new")
	require.NoError(t, err)
	assert.NotNil(t, st)
}

func TestIdleActorsRetire(t *testing.T) {
	s := newTestStore(t, WithIdleTimeout(10*time.Millisecond))
	_, err := s.Append(context.Background(), "c1", "caller", Turn{Role: RoleUser, Text: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.actors) == 0
	}, time.Second, 5*time.Millisecond)

	_, err = s.Append(context.Background(), "c1", "caller", Turn{Role: RoleUser, Text: "back"})
	require.NoError(t, err)
}

func TestClosedStoreRejectsWork(t *testing.T) {
	s := NewStore(NewInMemoryBackend())
	_, err := s.Append(context.Background(), "c1", "caller", Turn{Role: RoleUser, Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Append(context.Background(), "c1", "caller", Turn{Role: RoleUser, Text: "late"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCanceledContextDoesNotMutate(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Append(ctx, "c1", "caller", Turn{Role: RoleUser, Text: "hi"})
	require.ErrorIs(t, err, context.Canceled)

	st, err := s.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestJanitorSweep(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, WithClock(clock.Now))
	_, err := s.Append(context.Background(), "c1", "caller", Turn{Role: RoleUser, Text: "hi"})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	var removed, remaining int
	j, err := NewJanitor(s, "@every 1h", time.Hour, nil, func(r, left int) {
		removed, remaining = r, left
	})
	require.NoError(t, err)
	j.Start()
	j.Sweep()
	j.Stop()

	assert.Equal(t, 1, removed)
	assert.Zero(t, remaining)
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	s := newTestStore(t)
	_, err := NewJanitor(s, "every tuesday", time.Hour, nil, nil)
	require.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(context.Background(), BackendConfig{Kind: "auto"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &InMemoryBackend{}, b)

	_, err = NewBackend(context.Background(), BackendConfig{Kind: "etcd"}, nil)
	require.Error(t, err)
}

func TestRedisKeyRoundTrip(t *testing.T) {
	id, ok := idFromRedisKey(redisKey("abc-123"))
	assert.True(t, ok)
	assert.Equal(t, "abc-123", id)

	_, ok = idFromRedisKey("other:abc")
	assert.False(t, ok)
	_, ok = idFromRedisKey(redisKeyPrefix)
	assert.False(t, ok)
}
