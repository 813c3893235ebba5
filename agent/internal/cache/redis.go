package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix; the agent id is appended so agents can share a server
	keyPrefix = "smotra:cache:"
)

// RedisStore keeps entries in Redis.
//
// Layout under smotra:cache:<agent_id>:
//
//	:order     sorted set of result ids scored by enqueue time (unix micros)
//	:results   hash of result id to JSON-encoded result
//	:attempts  hash of result id to delivery attempt count
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger

	keyOrder    string
	keyResults  string
	keyAttempts string
}

// NewRedisStore connects to redisURL and namespaces keys by agentID.
func NewRedisStore(redisURL string, agentID uuid.UUID, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	base := keyPrefix + agentID.String()
	logger.Info("Redis cache initialized", "addr", opts.Addr, "prefix", base)
	return &RedisStore{
		client:      client,
		logger:      logger,
		keyOrder:    base + ":order",
		keyResults:  base + ":results",
		keyAttempts: base + ":attempts",
	}, nil
}

func (s *RedisStore) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	members := make([]redis.Z, len(entries))
	payloads := make([]any, 0, 2*len(entries))
	attempts := make([]any, 0, 2*len(entries))
	for i, e := range entries {
		data, err := json.Marshal(e.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		id := e.ID().String()
		members[i] = redis.Z{Score: float64(e.EnqueuedAt.UnixMicro()), Member: id}
		payloads = append(payloads, id, data)
		attempts = append(attempts, id, e.Attempts)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keyResults, payloads...)
		pipe.HSet(ctx, s.keyAttempts, attempts...)
		pipe.ZAdd(ctx, s.keyOrder, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push results to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Oldest(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := s.client.ZRangeWithScores(ctx, s.keyOrder, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache order: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Member.(string)
	}

	pipe := s.client.Pipeline()
	payloadCmd := pipe.HMGet(ctx, s.keyResults, ids...)
	attemptCmd := pipe.HMGet(ctx, s.keyAttempts, ids...)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read cached results: %w", err)
	}

	payloads := payloadCmd.Val()
	attempts := attemptCmd.Val()
	entries := make([]Entry, 0, len(members))
	var orphans []string
	for i, m := range members {
		raw, ok := payloads[i].(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e.Result); err != nil {
			s.logger.Warn("dropping undecodable cached result", "id", ids[i], "error", err)
			orphans = append(orphans, ids[i])
			continue
		}
		e.EnqueuedAt = time.UnixMicro(int64(m.Score)).UTC()
		if a, ok := attempts[i].(string); ok {
			e.Attempts, _ = strconv.Atoi(a)
		}
		entries = append(entries, e)
	}

	if len(orphans) > 0 {
		if err := s.remove(ctx, orphans); err != nil {
			s.logger.Warn("failed to remove orphaned cache ids", "error", err)
		}
	}
	return entries, nil
}

func (s *RedisStore) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	return s.remove(ctx, keys)
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.keyOrder).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count cached results: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keyOrder, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find expired results: %w", err)
	}
	if err := s.remove(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *RedisStore) TrimToNewest(ctx context.Context, max int) (int, error) {
	n, err := s.Len(ctx)
	if err != nil {
		return 0, err
	}
	excess := n - max
	if excess <= 0 {
		return 0, nil
	}
	ids, err := s.client.ZRange(ctx, s.keyOrder, 0, int64(excess-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cache order: %w", err)
	}
	if err := s.remove(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *RedisStore) MarkAttempt(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HIncrBy(ctx, s.keyAttempts, id.String(), 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark delivery attempt: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.keyOrder, members...)
		pipe.HDel(ctx, s.keyResults, ids...)
		pipe.HDel(ctx, s.keyAttempts, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove results from redis: %w", err)
	}
	return nil
}
