package session

import (
	"context"
	"time"
)

// Role tags a turn in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MinMaxLength is the smallest history bound a store accepts: the system turn plus one turn.
const MinMaxLength = 2

// Turn is one message in a session's history.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the per-chat conversation state.
type Session struct {
	ID           string    `json:"id"`
	Turns        []Turn    `json:"turns"`
	LastActive   time.Time `json:"last_active"`
	Acknowledged bool      `json:"acknowledged"`
}

// SweepResult reports what a sweep removed.
type SweepResult struct {
	Expired   int
	Evicted   int
	Remaining int
}

// Store keeps bounded conversation sessions keyed by chat identifier.
type Store interface {
	GetOrCreate(ctx context.Context, id string) (Session, error)
	Append(ctx context.Context, id string, role Role, text string) (Session, error)
	Acknowledge(ctx context.Context, id string) error
	Reset(ctx context.Context, id string) error
	Sweep(ctx context.Context, now time.Time) (SweepResult, error)
	Len(ctx context.Context) (int, error)
}

// Options bounds the size and age of sessions held by a store.
type Options struct {
	SystemPrompt string
	MaxLength    int
	TTL          time.Duration
	Capacity     int
}

func (o Options) normalized() Options {
	if o.MaxLength < MinMaxLength {
		o.MaxLength = MinMaxLength
	}
	return o
}

// Trim keeps the leading system turn plus the most recent maxLength-1 turns.
// Order is preserved. A slice that already fits is returned unchanged.
func Trim(turns []Turn, maxLength int) []Turn {
	if maxLength < MinMaxLength {
		maxLength = MinMaxLength
	}
	if len(turns) <= maxLength {
		return turns
	}
	if turns[0].Role != RoleSystem {
		return append([]Turn(nil), turns[len(turns)-maxLength:]...)
	}
	trimmed := make([]Turn, 0, maxLength)
	trimmed = append(trimmed, turns[0])
	trimmed = append(trimmed, turns[len(turns)-(maxLength-1):]...)
	return trimmed
}

func newSession(id, systemPrompt string, now time.Time) *Session {
	return &Session{
		ID:         id,
		Turns:      []Turn{{Role: RoleSystem, Text: systemPrompt, CreatedAt: now}},
		LastActive: now,
	}
}

func (s *Session) clone() Session {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	return c
}
