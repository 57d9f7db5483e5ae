// Package sessionctx correlates an executionId to caller-supplied
// session metadata, opaque to the pool core. The HTTP transport writes
// an entry before submitting a request; the Pool Manager deletes it
// once that execution reaches a terminal state.
package sessionctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Context is the caller-supplied correlation metadata threaded
// through the HTTP transport and Redis. The core never interprets it.
type Context struct {
	SessionID string `json:"sessionId"`
	CallerID  string `json:"callerId"`
	TraceID   string `json:"traceId"`
}

// Store maps executionId to Context with a bounded lifetime.
type Store interface {
	Put(ctx context.Context, executionID string, sc Context, ttl time.Duration) error
	Get(ctx context.Context, executionID string) (Context, bool, error)
	Delete(ctx context.Context, executionID string) error
}

// NoopStore discards everything. Default when no Redis addr is
// configured.
type NoopStore struct{}

func (NoopStore) Put(context.Context, string, Context, time.Duration) error { return nil }
func (NoopStore) Get(context.Context, string) (Context, bool, error)        { return Context{}, false, nil }
func (NoopStore) Delete(context.Context, string) error                      { return nil }

// sessionStartedChannel is published to whenever a new session entry
// is written, so a future subscriber (e.g. a dashboard) can react
// without polling.
const sessionStartedChannel = "enclave:session.started"

const keyPrefix = "enclave:session:"

// RedisStore is the production Store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr/db and verifies connectivity before
// returning.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("sessionctx: connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Put(ctx context.Context, executionID string, sc Context, ttl time.Duration) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("sessionctx: marshal: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+executionID, data, ttl).Err(); err != nil {
		return fmt.Errorf("sessionctx: set: %w", err)
	}
	return s.client.Publish(ctx, sessionStartedChannel, executionID).Err()
}

func (s *RedisStore) Get(ctx context.Context, executionID string) (Context, bool, error) {
	data, err := s.client.Get(ctx, keyPrefix+executionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Context{}, false, nil
	}
	if err != nil {
		return Context{}, false, fmt.Errorf("sessionctx: get: %w", err)
	}
	var sc Context
	if err := json.Unmarshal(data, &sc); err != nil {
		return Context{}, false, fmt.Errorf("sessionctx: unmarshal: %w", err)
	}
	return sc, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, executionID string) error {
	return s.client.Del(ctx, keyPrefix+executionID).Err()
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
