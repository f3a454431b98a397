package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func TestMemoryStore_GetOrCreateSeedsSystemTurn(t *testing.T) {
	store := NewMemoryStore(Options{SystemPrompt: "be kind", MaxLength: 5})
	ctx := context.Background()

	sess, err := store.GetOrCreate(ctx, "42")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, RoleSystem, sess.Turns[0].Role)
	assert.Equal(t, "be kind", sess.Turns[0].Text)
	assert.False(t, sess.Acknowledged)

	again, err := store.GetOrCreate(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, sess.LastActive, again.LastActive)

	n, _ := store.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_AppendStaysBounded(t *testing.T) {
	const maxLength = 7
	store := NewMemoryStore(Options{SystemPrompt: "sys", MaxLength: maxLength})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		sess, err := store.Append(ctx, "chat", role, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		require.LessOrEqual(t, len(sess.Turns), maxLength)
		require.Equal(t, RoleSystem, sess.Turns[0].Role)
		require.Equal(t, "sys", sess.Turns[0].Text)
		require.Equal(t, fmt.Sprintf("m%d", i), sess.Turns[len(sess.Turns)-1].Text)
	}
}

func TestMemoryStore_TwelveExchangesWithMaxEleven(t *testing.T) {
	store := NewMemoryStore(Options{SystemPrompt: "sys", MaxLength: 11})
	ctx := context.Background()

	var sess Session
	for i := 1; i <= 12; i++ {
		_, err := store.Append(ctx, "42", RoleUser, fmt.Sprintf("q%d", i))
		require.NoError(t, err)
		var err2 error
		sess, err2 = store.Append(ctx, "42", RoleAssistant, fmt.Sprintf("a%d", i))
		require.NoError(t, err2)
	}

	require.Len(t, sess.Turns, 11)
	assert.Equal(t, RoleSystem, sess.Turns[0].Role)

	rest := sess.Turns[1:]
	require.Len(t, rest, 10)
	// Exchanges 8..12 survive; the seventh and everything before it is gone.
	assert.Equal(t, "q8", rest[0].Text)
	assert.Equal(t, "a12", rest[9].Text)
	for _, turn := range rest {
		assert.NotEqual(t, "q7", turn.Text)
		assert.NotEqual(t, "a7", turn.Text)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore(Options{SystemPrompt: "sys", MaxLength: 5})
	ctx := context.Background()

	sess, err := store.Append(ctx, "1", RoleUser, "hello")
	require.NoError(t, err)
	sess.Turns[1].Text = "mutated"

	fresh, err := store.GetOrCreate(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "hello", fresh.Turns[1].Text)
}

func TestMemoryStore_AcknowledgeAndReset(t *testing.T) {
	store := NewMemoryStore(Options{SystemPrompt: "sys", MaxLength: 5})
	ctx := context.Background()

	require.NoError(t, store.Acknowledge(ctx, "7"))
	_, err := store.Append(ctx, "7", RoleUser, "hi")
	require.NoError(t, err)
	_, err = store.Append(ctx, "7", RoleAssistant, "hello")
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx, "7"))
	sess, err := store.GetOrCreate(ctx, "7")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, RoleSystem, sess.Turns[0].Role)
	assert.True(t, sess.Acknowledged)

	// Resetting an unknown session does not create it.
	require.NoError(t, store.Reset(ctx, "unknown"))
	n, _ := store.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_SweepRemovesExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(Options{SystemPrompt: "sys", MaxLength: 5, TTL: time.Hour, Capacity: 100}, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = store.GetOrCreate(ctx, "stale")
	clock.Advance(30 * time.Minute)
	_, _ = store.Append(ctx, "fresh", RoleUser, "hi")
	clock.Advance(31 * time.Minute)

	res, err := store.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Evicted)
	assert.Equal(t, 1, res.Remaining)

	_, _ = store.GetOrCreate(ctx, "fresh")
	n, _ := store.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_SystemOnlySessionIsSweepable(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(Options{SystemPrompt: "sys", MaxLength: 5, TTL: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = store.GetOrCreate(ctx, "idle")
	clock.Advance(2 * time.Minute)

	res, err := store.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Remaining)
}

func TestMemoryStore_SweepEnforcesCapacity(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(Options{SystemPrompt: "sys", MaxLength: 5, TTL: 24 * time.Hour, Capacity: 3}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _ = store.Append(ctx, fmt.Sprintf("s%d", i), RoleUser, "hi")
		clock.Advance(time.Second)
	}
	// Touch s0 so it becomes the most recent.
	_, _ = store.Append(ctx, "s0", RoleUser, "again")

	res, err := store.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 3, res.Evicted)
	assert.Equal(t, 3, res.Remaining)

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, id := range []string{"s0", "s4", "s5"} {
		_, ok := store.sessions[id]
		assert.True(t, ok, "expected %s to survive", id)
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		_, ok := store.sessions[id]
		assert.False(t, ok, "expected %s to be evicted", id)
	}
}

func TestMemoryStore_ConcurrentAppendAndSweep(t *testing.T) {
	store := NewMemoryStore(Options{SystemPrompt: "sys", MaxLength: 4, TTL: time.Hour, Capacity: 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				sess, err := store.Append(ctx, fmt.Sprintf("c%d", i%10), RoleUser, "x")
				if err != nil || len(sess.Turns) > 4 || sess.Turns[0].Role != RoleSystem {
					t.Errorf("invariant broken: err=%v turns=%d", err, len(sess.Turns))
					return
				}
				if i%25 == 0 {
					_, _ = store.Sweep(ctx, time.Now())
				}
			}
		}(w)
	}
	wg.Wait()

	_, err := store.Sweep(ctx, time.Now())
	require.NoError(t, err)
	n, _ := store.Len(ctx)
	assert.LessOrEqual(t, n, 5)
}

func TestTrim(t *testing.T) {
	turns := []Turn{
		{Role: RoleSystem, Text: "s"},
		{Role: RoleUser, Text: "1"},
		{Role: RoleAssistant, Text: "2"},
		{Role: RoleUser, Text: "3"},
		{Role: RoleAssistant, Text: "4"},
	}

	got := Trim(turns, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"s", "3", "4"}, texts(got))

	assert.Len(t, Trim(turns, 10), 5)
	assert.Equal(t, []string{"s", "4"}, texts(Trim(turns, 0)))
	assert.Empty(t, Trim(nil, 3))
}

func texts(turns []Turn) []string {
	out := make([]string, 0, len(turns))
	for _, turn := range turns {
		out = append(out, turn.Text)
	}
	return out
}
