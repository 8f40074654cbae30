package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisSessionKey = "dashboard:sessions"
	redisUpdateRetries     = 8
)

var ErrSessionContention = errors.New("session store contention")

// RedisSessionStore keeps the whole mapping as one JSON document under a
// single key so every replica reads and writes the same snapshot. Update uses
// WATCH/MULTI and retries when another writer got there first.
type RedisSessionStore struct {
	rdb redis.UniversalClient
	key string
	log *slog.Logger
}

func NewRedisSessionStore(rdb redis.UniversalClient, key string, logger *slog.Logger) (*RedisSessionStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultRedisSessionKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSessionStore{rdb: rdb, key: key, log: logger}, nil
}

func (s *RedisSessionStore) Load(ctx context.Context) (map[string]Session, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return s.decode(data), nil
}

func (s *RedisSessionStore) Save(ctx context.Context, sessions map[string]Session) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Update(ctx context.Context, fn func(map[string]Session) (bool, error)) error {
	for i := 0; i < redisUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, s.key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			sessions := s.decode(data)
			changed, err := fn(sessions)
			if err != nil || !changed {
				return err
			}
			updated, err := json.Marshal(sessions)
			if err != nil {
				return fmt.Errorf("encode sessions: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.key, updated, 0)
				return nil
			})
			return err
		}, s.key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrSessionContention
}

func (s *RedisSessionStore) decode(data []byte) map[string]Session {
	out := make(map[string]Session)
	if len(data) == 0 {
		return out
	}
	var decoded map[string]Session
	if err := json.Unmarshal(data, &decoded); err != nil {
		s.log.Warn("session state unreadable; treating as empty", "key", s.key, "error", err)
		return out
	}
	for token, sess := range decoded {
		if token == "" {
			continue
		}
		sess.Token = token
		out[token] = sess
	}
	return out
}
