// Package memory implements an in-process usage counter store. It is used
// when no Redis URL is configured and in tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hcodes/tunnel/internal/domain"
)

// UsageStore keeps per-tunnel usage counters in a mutex-guarded map.
type UsageStore struct {
	mu    sync.Mutex
	stats map[string]domain.UsageStats
}

func NewUsageStore() *UsageStore {
	return &UsageStore{stats: make(map[string]domain.UsageStats)}
}

// ResetUsage creates or zeroes the counters for name.
func (s *UsageStore) ResetUsage(_ context.Context, name string, now time.Time) error {
	s.mu.Lock()
	s.stats[name] = domain.UsageStats{LastSeen: now}
	s.mu.Unlock()
	return nil
}

func (s *UsageStore) DeleteUsage(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.stats, name)
	s.mu.Unlock()
	return nil
}

// IncrementUsage counts one request of the given size. A missing entry means
// the tunnel was deactivated; it is not recreated.
func (s *UsageStore) IncrementUsage(_ context.Context, name string, bytes int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		return domain.ErrTunnelNotFound
	}
	st.Requests++
	st.Bytes += bytes
	st.LastSeen = now
	s.stats[name] = st
	return nil
}

// Usage returns the counters for name or [domain.ErrTunnelNotFound].
func (s *UsageStore) Usage(_ context.Context, name string) (domain.UsageStats, error) {
	s.mu.Lock()
	st, ok := s.stats[name]
	s.mu.Unlock()
	if !ok {
		return domain.UsageStats{}, domain.ErrTunnelNotFound
	}
	return st, nil
}
