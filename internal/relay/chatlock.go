package relay

import "sync"

// chatLocks serializes handling per chat. Entries are dropped once no
// handler holds or waits for them.
type chatLocks struct {
	mu    sync.Mutex
	locks map[int64]*chatLock
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[int64]*chatLock)}
}

// acquire blocks until the chat is free and returns the matching release.
func (c *chatLocks) acquire(chatID int64) func() {
	c.mu.Lock()
	l, ok := c.locks[chatID]
	if !ok {
		l = &chatLock{}
		c.locks[chatID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, chatID)
		}
		c.mu.Unlock()
	}
}

func (c *chatLocks) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
