// Package cache wraps go-redis for the study metadata-tree read path. The
// tree is expensive to rebuild (one warehouse scan plus two hoisting passes)
// and read often by viewers, so it is cached with a short TTL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss reports an absent key.
var ErrMiss = errors.New("cache miss")

// StudyTreeCache stores serialized study metadata trees. A nil *StudyTreeCache
// is a valid no-op cache: every Get misses and every Set is dropped.
type StudyTreeCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to Redis and verifies connectivity. An empty addr disables
// caching and returns (nil, nil).
func New(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*StudyTreeCache, error) {
	if addr == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	logger.Info("redis connected", "addr", addr, "db", db)
	return &StudyTreeCache{rdb: rdb, ttl: ttl}, nil
}

func (c *StudyTreeCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

func key(studyUID string) string { return "studytree:" + studyUID }

func (c *StudyTreeCache) Get(ctx context.Context, studyUID string) ([]byte, error) {
	if c == nil {
		return nil, ErrMiss
	}
	val, err := c.rdb.Get(ctx, key(studyUID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return val, err
}

func (c *StudyTreeCache) Set(ctx context.Context, studyUID string, tree []byte) error {
	if c == nil {
		return nil
	}
	return c.rdb.Set(ctx, key(studyUID), tree, c.ttl).Err()
}

// Invalidate drops cached trees, used after study deletion.
func (c *StudyTreeCache) Invalidate(ctx context.Context, studyUIDs ...string) error {
	if c == nil || len(studyUIDs) == 0 {
		return nil
	}
	keys := make([]string, len(studyUIDs))
	for i, uid := range studyUIDs {
		keys[i] = key(uid)
	}
	return c.rdb.Del(ctx, keys...).Err()
}
