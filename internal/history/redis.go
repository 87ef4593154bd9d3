package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fractal-lba/halving/internal/selection"
)

// RedisStore keeps each session's reports in a Redis list, with a set of
// recorded rung numbers guarding against duplicates.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration // 0 keeps keys forever
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func listKey(sessionID string) string { return fmt.Sprintf("rungs:%s", sessionID) }
func seenKey(sessionID string) string { return fmt.Sprintf("rungs:%s:seen", sessionID) }

// appendScript pushes the report and marks the rung seen in one atomic step.
// Scripts are not rolled back on error, so the push comes first: a failed
// push leaves nothing marked.
//
// KEYS[1] list, KEYS[2] seen set; ARGV[1] rung, ARGV[2] report, ARGV[3] ttl in ms.
var appendScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
	return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[1])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

func (r *RedisStore) Append(ctx context.Context, sessionID string, report selection.RungReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	keys := []string{listKey(sessionID), seenKey(sessionID)}
	if err := appendScript.Run(ctx, r.client, keys, report.Rung, data, r.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis append failed: %w", err)
	}

	return nil
}

func (r *RedisStore) List(ctx context.Context, sessionID string) ([]selection.RungReport, error) {
	items, err := r.client.LRange(ctx, listKey(sessionID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE failed: %w", err)
	}

	reports := make([]selection.RungReport, 0, len(items))
	for _, item := range items {
		var report selection.RungReport
		if err := json.Unmarshal([]byte(item), &report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
		reports = append(reports, report)
	}

	return reports, nil
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, listKey(sessionID), seenKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
