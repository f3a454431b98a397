package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/mctrelay/internal/session"
)

func TestHandle_SameChatExchangesStayOrdered(t *testing.T) {
	f := newFixture(t, "sleep:30", Options{})

	var wg sync.WaitGroup
	for i, text := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func(id int64, text string) {
			defer wg.Done()
			f.handler.HandleUpdate(context.Background(), update(id, 5, text))
		}(int64(i+1), text)
	}
	wg.Wait()

	sess, err := f.store.GetOrCreate(context.Background(), "5")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 7)
	for i, turn := range sess.Turns[1:] {
		want := session.RoleUser
		if i%2 == 1 {
			want = session.RoleAssistant
		}
		assert.Equal(t, want, turn.Role, "turn %d", i+1)
	}
	assert.Zero(t, f.handler.chats.len())
}

func TestHandle_DifferentChatsRunInParallel(t *testing.T) {
	f := newFixture(t, "sleep:150", Options{})

	started := time.Now()
	var wg sync.WaitGroup
	for chatID := int64(1); chatID <= 3; chatID++ {
		wg.Add(1)
		go func(chatID int64) {
			defer wg.Done()
			f.handler.HandleUpdate(context.Background(), update(chatID, chatID, "hi"))
		}(chatID)
	}
	wg.Wait()

	assert.Less(t, time.Since(started), 400*time.Millisecond)
	assert.Len(t, f.messenger.Sent(), 3)
}

func TestChatLocks_ReleaseDropsEntry(t *testing.T) {
	locks := newChatLocks()
	release := locks.acquire(1)
	assert.Equal(t, 1, locks.len())

	acquired := make(chan struct{})
	go func() {
		r := locks.acquire(1)
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should wait for release")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-acquired

	require.Eventually(t, func() bool { return locks.len() == 0 }, time.Second, time.Millisecond)
}
