package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles sends per (tenant, bucket) channel. WaitFor answers
// how long the bucket must cool down before the next send (zero means send
// now); RecordSend stamps a completed send.
type RateLimiter interface {
	WaitFor(ctx context.Context, tenantID, bucket string, minGap time.Duration) (time.Duration, error)
	RecordSend(ctx context.Context, tenantID, bucket string, minGap time.Duration) error
}

// DefaultRateGaps maps the known buckets onto conservative minimum gaps
// between sends. Unknown buckets fall back to one second.
func DefaultRateGaps() map[string]time.Duration {
	return map[string]time.Duration{
		"slack.minute": 5 * time.Second,
		"tickets.api":  2 * time.Second,
		"email.daily":  60 * time.Second,
	}
}

func rateKey(tenantID, bucket string) string {
	return fmt.Sprintf("acp:rate:%s:%s", tenantID, bucket)
}

// MemoryRateLimiter tracks last-sent instants per process. Sufficient for a
// single worker; rate limiting degrades to best effort per instance when
// several workers share a queue.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	clock    func() time.Time
}

var _ RateLimiter = (*MemoryRateLimiter)(nil)

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		lastSent: make(map[string]time.Time),
		clock:    time.Now,
	}
}

// SetClock pins the time source. Test hook.
func (l *MemoryRateLimiter) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

func (l *MemoryRateLimiter) WaitFor(_ context.Context, tenantID, bucket string, minGap time.Duration) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.lastSent[rateKey(tenantID, bucket)]
	if !ok {
		// First send through a bucket is always allowed.
		return 0, nil
	}
	elapsed := l.clock().Sub(last)
	if elapsed >= minGap {
		return 0, nil
	}
	return minGap - elapsed, nil
}

func (l *MemoryRateLimiter) RecordSend(_ context.Context, tenantID, bucket string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSent[rateKey(tenantID, bucket)] = l.clock()
	return nil
}

// RedisRateLimiter coordinates buckets across worker instances. WaitFor
// claims the bucket with SET NX and a TTL of the minimum gap; while the key
// lives, other claimers are told to wait out the remaining TTL. RecordSend
// re-stamps the key so the gap is measured from send completion.
type RedisRateLimiter struct {
	client *redis.Client
}

var _ RateLimiter = (*RedisRateLimiter)(nil)

// NewRedisRateLimiter connects to Redis and verifies the connection.
func NewRedisRateLimiter(addr, password string, db int) (*RedisRateLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &RedisRateLimiter{client: client}, nil
}

// NewRedisRateLimiterWith wraps an existing client.
func NewRedisRateLimiterWith(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (l *RedisRateLimiter) Close() error {
	return l.client.Close()
}

func (l *RedisRateLimiter) WaitFor(ctx context.Context, tenantID, bucket string, minGap time.Duration) (time.Duration, error) {
	key := rateKey(tenantID, bucket)

	claimed, err := l.client.SetNX(ctx, key, "1", minGap).Result()
	if err != nil {
		return 0, fmt.Errorf("rate claim %s: %w", key, err)
	}
	if claimed {
		return 0, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate ttl %s: %w", key, err)
	}
	if ttl <= 0 {
		// Key expired between the claim attempt and the TTL read.
		return 0, nil
	}
	return ttl, nil
}

func (l *RedisRateLimiter) RecordSend(ctx context.Context, tenantID, bucket string, minGap time.Duration) error {
	return l.client.Set(ctx, rateKey(tenantID, bucket), "1", minGap).Err()
}
