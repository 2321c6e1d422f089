package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(cfg Config) (*redisStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("history: connect to redis: %w", err)
	}

	return &redisStore{client: client, ttl: cfg.TTL}, nil
}

func listKey(packageName string) string { return "autoupdater:history:" + packageName }

// Append pushes the record's JSON blob onto the package's list (newest at
// the head) and refreshes the list's TTL, mirroring the teacher's
// RedisStorage pattern of a JSON blob per key with an expiry.
func (s *redisStore) Append(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("history: marshal record: %w", err)
	}

	key := listKey(r.PackageName)
	if err := s.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return nil
}

func (s *redisStore) List(ctx context.Context, packageName string, limit, offset int) ([]Record, error) {
	key := listKey(packageName)
	stop := int64(offset + limit - 1)
	if limit <= 0 {
		stop = -1
	}
	raw, err := s.client.LRange(ctx, key, int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}

	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var r Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
