package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "assessment:session:"

// RedisSessionStore keeps each session as a JSON value that expires after
// ttl of inactivity. A zero ttl keeps sessions forever.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl}
}

func sessionKey(userID string) string { return redisKeyPrefix + userID }

func (r *RedisSessionStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisSessionStore) Load(ctx context.Context, userID string) (*Session, error) {
	data, err := r.client.Get(ctx, sessionKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeSession(userID, data)
}

// Save watches the key so a writer in another process that saved in between
// turns this save into ErrVersionConflict.
func (r *RedisSessionStore) Save(ctx context.Context, s *Session) error {
	expected, data, restore, err := encodeForSave(s)
	if err != nil {
		return err
	}
	key := sessionKey(s.UserID)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored := 0
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			var v struct {
				Version int `json:"version"`
			}
			if err := json.Unmarshal(current, &v); err != nil {
				return &SessionCorruptError{UserID: s.UserID, Err: err}
			}
			stored = v.Version
		}
		if stored != expected {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		err = ErrVersionConflict
	}
	if err != nil {
		restore()
		var corrupt *SessionCorruptError
		if errors.Is(err, ErrVersionConflict) || errors.As(err, &corrupt) {
			return err
		}
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, userID string) error {
	return r.client.Del(ctx, sessionKey(userID)).Err()
}
