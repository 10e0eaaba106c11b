package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/askai-chat/internal/transcript"
	"github.com/redis/go-redis/v9"
)

// RedisSessions keeps guest sessions in Redis. Every save refreshes the expiry, so an idle guest
// transcript disappears after ttl.
type RedisSessions struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClient parses redisURL and verifies the server answers.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisSessions stores sessions under keys "<prefix><id>".
func NewRedisSessions(client *redis.Client, prefix string, ttl time.Duration) RedisSessions {
	return RedisSessions{client: client, prefix: prefix, ttl: ttl}
}

func (r RedisSessions) key(id string) string {
	return r.prefix + id
}

func (r RedisSessions) Load(ctx context.Context, id string) (transcript.GuestSession, bool, error) {
	v, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return transcript.GuestSession{}, false, nil
	}
	if err != nil {
		return transcript.GuestSession{}, false, fmt.Errorf("get guest session: %w", err)
	}

	var sess transcript.GuestSession
	if err := json.Unmarshal(v, &sess); err != nil {
		return transcript.GuestSession{}, false, fmt.Errorf("unmarshal guest session: %w", err)
	}
	return sess, true, nil
}

func (r RedisSessions) Save(ctx context.Context, sess transcript.GuestSession) error {
	v, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal guest session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(sess.ID), v, r.ttl).Err(); err != nil {
		return fmt.Errorf("set guest session: %w", err)
	}
	return nil
}

func (r RedisSessions) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("delete guest session: %w", err)
	}
	return nil
}
