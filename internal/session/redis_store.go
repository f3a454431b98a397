package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxAttempts = 5

// RedisStore keeps sessions in Redis so they outlive a process restart. It
// applies the same trim and sweep policy as MemoryStore. Each session is a JSON
// value; a sorted set indexes sessions by last activity for the sweep.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   Options
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix of every key the store writes.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisClock replaces time.Now for turn and activity timestamps.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a store on top of an existing client.
func NewRedisStore(client redis.UniversalClient, opts Options, options ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "mctrelay:",
		opts:   opts.normalized(),
		now:    time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) activityKey() string {
	return s.prefix + "activity"
}

// GetOrCreate returns the stored session or creates one seeded with the system turn.
func (s *RedisStore) GetOrCreate(ctx context.Context, id string) (Session, error) {
	return s.update(ctx, id, func(*Session) bool { return false })
}

// Append adds a turn, refreshes activity and trims the history.
func (s *RedisStore) Append(ctx context.Context, id string, role Role, text string) (Session, error) {
	return s.update(ctx, id, func(sess *Session) bool {
		now := s.now()
		sess.Turns = append(sess.Turns, Turn{Role: role, Text: text, CreatedAt: now})
		sess.LastActive = now
		sess.Turns = Trim(sess.Turns, s.opts.MaxLength)
		return true
	})
}

// Acknowledge marks the session as having accepted the terms of use.
func (s *RedisStore) Acknowledge(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(sess *Session) bool {
		sess.Acknowledged = true
		sess.LastActive = s.now()
		return true
	})
	return err
}

// Reset drops every turn except the system turn.
func (s *RedisStore) Reset(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(sess *Session) bool {
		now := s.now()
		sess.Turns = []Turn{{Role: RoleSystem, Text: s.opts.SystemPrompt, CreatedAt: now}}
		sess.LastActive = now
		return true
	})
	return err
}

// update loads the session under WATCH, applies mutate and writes it back. A
// missing session is created and always written.
func (s *RedisStore) update(ctx context.Context, id string, mutate func(*Session) bool) (Session, error) {
	key := s.sessionKey(id)
	var out Session

	txf := func(tx *redis.Tx) error {
		sess, created, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		changed := mutate(sess)
		if !changed && !created {
			out = *sess
			return nil
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.opts.TTL)
			pipe.ZAdd(ctx, s.activityKey(), redis.Z{Score: float64(sess.LastActive.UnixNano()), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		out = *sess
		return nil
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Session{}, fmt.Errorf("redis update session %s: %w", id, err)
	}
	return Session{}, fmt.Errorf("redis update session %s: too many concurrent writers", id)
}

func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, id string) (*Session, bool, error) {
	raw, err := tx.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return newSession(id, s.opts.SystemPrompt, s.now()), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, false, nil
}

// Sweep removes sessions idle for longer than the TTL, then evicts the least
// recently active sessions until the count is within capacity.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	if s.opts.TTL > 0 {
		cutoff := now.Add(-s.opts.TTL).UnixNano()
		expired, err := s.client.ZRangeByScore(ctx, s.activityKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return res, fmt.Errorf("redis list expired sessions: %w", err)
		}
		if err := s.remove(ctx, expired); err != nil {
			return res, err
		}
		res.Expired = len(expired)
	}

	count, err := s.client.ZCard(ctx, s.activityKey()).Result()
	if err != nil {
		return res, fmt.Errorf("redis count sessions: %w", err)
	}
	if s.opts.Capacity > 0 && count > int64(s.opts.Capacity) {
		excess := count - int64(s.opts.Capacity)
		oldest, err := s.client.ZRange(ctx, s.activityKey(), 0, excess-1).Result()
		if err != nil {
			return res, fmt.Errorf("redis list oldest sessions: %w", err)
		}
		if err := s.remove(ctx, oldest); err != nil {
			return res, err
		}
		res.Evicted = len(oldest)
		count -= int64(len(oldest))
	}

	res.Remaining = int(count)
	return res, nil
}

func (s *RedisStore) remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.sessionKey(id))
		members = append(members, id)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.activityKey(), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove sessions: %w", err)
	}
	return nil
}

// Len returns the number of indexed sessions.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.activityKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count sessions: %w", err)
	}
	return int(n), nil
}
