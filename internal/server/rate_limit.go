package server

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	regRateLimit  = rate.Limit(2)   // register attempts per second per user
	regBurstLimit = 10              // max burst
	regCleanupAge = 5 * time.Minute // evict idle limiters

	// rateLimiterShards controls how many independent shards the rate limiter
	// uses. Each shard has its own mutex so agents of different users rarely
	// contend.
	rateLimiterShards = 16
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per key, sharded by key hash, and
// throttles register messages on the control channel.
type rateLimiter struct {
	shards [rateLimiterShards]rateLimiterShard
	now    func() time.Time
}

type rateLimiterShard struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{now: time.Now}
	for i := range rl.shards {
		rl.shards[i].limiters = make(map[string]*limiterEntry)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	return &rl.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % rateLimiterShards)
}

func (rl *rateLimiter) allow(key string) bool {
	s := rl.shard(key)
	now := rl.now()

	s.mu.Lock()
	e, ok := s.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(regRateLimit, regBurstLimit)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// cleanup evicts limiters idle past regCleanupAge across all shards. The
// janitor calls it so allow never iterates the maps.
func (rl *rateLimiter) cleanup() {
	now := rl.now()
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > regCleanupAge {
				delete(s.limiters, k)
			}
		}
		s.mu.Unlock()
	}
}
