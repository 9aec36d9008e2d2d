// Package redis implements the usage counter store on a Redis hash per
// tunnel (`stats:<name>` with requests, bytes and lastSeen fields).
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hcodes/tunnel/internal/domain"
)

const keyPrefix = "stats:"

const (
	fieldRequests = "requests"
	fieldBytes    = "bytes"
	fieldLastSeen = "lastSeen"
)

// UsageStore wraps a go-redis client.
type UsageStore struct {
	client *goredis.Client
}

// Open parses a redis:// URL, connects and verifies the server with PING.
func Open(ctx context.Context, url string) (*UsageStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client), nil
}

func New(client *goredis.Client) *UsageStore {
	return &UsageStore{client: client}
}

func (s *UsageStore) Close() error {
	return s.client.Close()
}

func key(name string) string {
	return keyPrefix + name
}

// ResetUsage creates or zeroes the counters for name.
func (s *UsageStore) ResetUsage(ctx context.Context, name string, now time.Time) error {
	return s.client.HSet(ctx, key(name),
		fieldRequests, 0,
		fieldBytes, 0,
		fieldLastSeen, now.UnixMilli(),
	).Err()
}

func (s *UsageStore) DeleteUsage(ctx context.Context, name string) error {
	return s.client.Del(ctx, key(name)).Err()
}

// incrementScript bumps the counters only while the hash exists, so an
// update racing a delete cannot resurrect a partial entry.
var incrementScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HINCRBY", KEYS[1], "` + fieldRequests + `", 1)
redis.call("HINCRBY", KEYS[1], "` + fieldBytes + `", ARGV[1])
redis.call("HSET", KEYS[1], "` + fieldLastSeen + `", ARGV[2])
return 1
`)

// IncrementUsage counts one request of the given size atomically. It returns
// [domain.ErrTunnelNotFound] when the counters were deleted.
func (s *UsageStore) IncrementUsage(ctx context.Context, name string, bytes int64, now time.Time) error {
	n, err := incrementScript.Run(ctx, s.client, []string{key(name)}, bytes, now.UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrTunnelNotFound
	}
	return nil
}

// Usage returns the counters for name or [domain.ErrTunnelNotFound].
func (s *UsageStore) Usage(ctx context.Context, name string) (domain.UsageStats, error) {
	fields, err := s.client.HGetAll(ctx, key(name)).Result()
	if err != nil {
		return domain.UsageStats{}, err
	}
	if len(fields) == 0 {
		return domain.UsageStats{}, domain.ErrTunnelNotFound
	}
	var st domain.UsageStats
	if st.Requests, err = parseField(fields, fieldRequests); err != nil {
		return domain.UsageStats{}, err
	}
	if st.Bytes, err = parseField(fields, fieldBytes); err != nil {
		return domain.UsageStats{}, err
	}
	ms, err := parseField(fields, fieldLastSeen)
	if err != nil {
		return domain.UsageStats{}, err
	}
	if ms > 0 {
		st.LastSeen = time.UnixMilli(ms)
	}
	return st, nil
}

func parseField(fields map[string]string, name string) (int64, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("usage field %s: %w", name, err)
	}
	return n, nil
}
