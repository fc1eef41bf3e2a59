package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/chronicle/internal/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	URL    string        // redis://[:password@]host:port/db
	Prefix string        // key prefix, default "chronicle:"
	TTL    time.Duration // snapshot expiry, 0 keeps forever
}

// RedisStore keeps each session snapshot as one JSON value.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to the server named by opts.URL.
func NewRedis(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logger != nil {
		logger.Info("Redis connected", zap.String("addr", ro.Addr))
	}
	return NewRedisWithClient(client, opts, logger), nil
}

// NewRedisWithClient wraps an existing client. opts.URL is ignored.
func NewRedisWithClient(client *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "chronicle:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: opts.TTL, logger: logger}
}

func (s *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "sessions"
}

// Save writes the snapshot and indexes its id.
func (s *RedisStore) Save(ctx context.Context, snap *session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(snap.ID), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), snap.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot to redis: %w", err)
	}
	s.logger.Debug("session saved", zap.String("session", snap.ID), zap.Int("bytes", len(data)))
	return nil
}

// Load reads a snapshot. Expired or missing keys yield session.ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, id string) (*session.Snapshot, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load snapshot from redis: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete snapshot from redis: %w", err)
	}
	return nil
}

// List returns indexed ids whose snapshot still exists. Ids whose key has
// expired are pruned from the index.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		exists[i] = pipe.Exists(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check sessions: %w", err)
	}

	var live, stale []string
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		members := make([]any, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		if err := s.client.SRem(ctx, s.indexKey(), members...).Err(); err != nil {
			s.logger.Warn("prune session index", zap.Error(err))
		}
	}
	return live, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ session.Persister = (*RedisStore)(nil)
