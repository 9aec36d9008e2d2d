package server

import (
	"context"
	"errors"
	"time"

	"github.com/hcodes/tunnel/internal/domain"
	"github.com/hcodes/tunnel/internal/metrics"
)

type usageUpdate struct {
	name  string
	bytes int64
}

// queueUsage hands a usage increment to the background writer. It never
// blocks the public request; a full queue drops the update.
func (s *Server) queueUsage(name string, bytes int64) {
	if s.usage == nil {
		return
	}
	select {
	case s.usage <- usageUpdate{name: name, bytes: bytes}:
	default:
		metrics.UsageDropped.Inc()
	}
}

func (s *Server) runUsageWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.usage:
			writeCtx, cancel := context.WithTimeout(ctx, usageWriteTimeout)
			err := s.admission.RecordUsage(writeCtx, u.name, u.bytes)
			cancel()
			if errors.Is(err, domain.ErrTunnelNotFound) {
				s.log.Debug("dropping usage for deactivated tunnel", "tunnel", u.name)
				continue
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				metrics.UsageErrors.Inc()
				s.log.Warn("failed to record tunnel usage", "tunnel", u.name, "err", err)
			}
		}
	}
}

func (s *Server) runJanitor(ctx context.Context) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	cacheTicker := time.NewTicker(hostCacheCleanupEvery)
	bucketTicker := time.NewTicker(regCleanupAge)
	defer pingTicker.Stop()
	defer cacheTicker.Stop()
	defer bucketTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			s.pingAgents(time.Now())
		case <-cacheTicker.C:
			s.hosts.cleanup()
		case <-bucketTicker.C:
			s.regLimiter.cleanup()
		}
	}
}

// pingAgents closes connections silent for longer than the idle timeout and
// pings the rest. Closing ends the read loop, which releases the tunnel.
func (s *Server) pingAgents(now time.Time) {
	for _, sess := range s.hub.snapshot() {
		lastSeen := sess.lastSeen()
		if now.Sub(lastSeen) > s.cfg.AgentIdleTimeout {
			if sess.close() {
				s.log.Warn("agent heartbeat timeout", "session_id", sess.id, "tunnel", sess.tunnelName(), "last_seen", lastSeen.UTC().Format(time.RFC3339))
			}
			continue
		}
		if err := sess.writePing(); err != nil {
			s.log.Debug("agent ping failed", "session_id", sess.id, "err", err)
		}
	}
}

func (s *Server) closeAllSessions() {
	for _, sess := range s.hub.snapshot() {
		sess.close()
	}
}
