package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the process-lifetime session store. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	opts     Options
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now as the source of turn and activity timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options, options ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		opts:     opts.normalized(),
		now:      time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *MemoryStore) getOrCreateLocked(id string) *Session {
	sess, ok := s.sessions[id]
	if !ok {
		sess = newSession(id, s.opts.SystemPrompt, s.now())
		s.sessions[id] = sess
	}
	return sess
}

// GetOrCreate returns the session for id, seeding a new one with the system turn.
func (s *MemoryStore) GetOrCreate(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id).clone(), nil
}

// Append adds a turn, refreshes activity and trims the history.
func (s *MemoryStore) Append(_ context.Context, id string, role Role, text string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(id)
	now := s.now()
	sess.Turns = append(sess.Turns, Turn{Role: role, Text: text, CreatedAt: now})
	sess.LastActive = now
	sess.Turns = Trim(sess.Turns, s.opts.MaxLength)
	return sess.clone(), nil
}

// Acknowledge marks the session as having accepted the terms of use.
func (s *MemoryStore) Acknowledge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(id)
	sess.Acknowledged = true
	sess.LastActive = s.now()
	return nil
}

// Reset drops every turn except the system turn.
func (s *MemoryStore) Reset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	now := s.now()
	sess.Turns = []Turn{{Role: RoleSystem, Text: s.opts.SystemPrompt, CreatedAt: now}}
	sess.LastActive = now
	return nil
}

// Sweep removes sessions idle for longer than the TTL, then evicts the least
// recently active sessions until the count is within capacity.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	if s.opts.TTL > 0 {
		for id, sess := range s.sessions {
			if now.Sub(sess.LastActive) > s.opts.TTL {
				delete(s.sessions, id)
				res.Expired++
			}
		}
	}

	if s.opts.Capacity > 0 && len(s.sessions) > s.opts.Capacity {
		ordered := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			ordered = append(ordered, sess)
		}
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].LastActive.Before(ordered[j].LastActive)
		})
		excess := len(ordered) - s.opts.Capacity
		for _, sess := range ordered[:excess] {
			delete(s.sessions, sess.ID)
		}
		res.Evicted = excess
	}

	res.Remaining = len(s.sessions)
	return res, nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), nil
}
