package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/hcodes/tunnel/internal/netutil"
	"github.com/hcodes/tunnel/internal/subdomain"
)

var errHostNotAllowed = errors.New("host not allowed")

// allowCertificateHost is the ACME host policy: certificates are issued for
// the root domain and for tunnel names with an active record.
func (s *Server) allowCertificateHost(ctx context.Context, host string) error {
	host = netutil.NormalizeHost(host)
	if host == s.cfg.RootDomain {
		return nil
	}
	name := netutil.TunnelName(host, s.cfg.RootDomain)
	if name == "" || name == host || !subdomain.Valid(name) {
		return errHostNotAllowed
	}
	if s.hub.lookup(name) != nil {
		return nil
	}
	if active, ok := s.hosts.get(name); ok {
		if active {
			return nil
		}
		return errHostNotAllowed
	}
	active, err := s.store.IsTunnelActive(ctx, name)
	if err != nil {
		s.log.Warn("certificate host lookup failed", "host", host, "err", err)
		return errors.New("failed to authorize host")
	}
	s.hosts.set(name, active)
	if !active {
		return errHostNotAllowed
	}
	return nil
}

// serverErrorLogWriter routes net/http's error log into slog, demoting the
// TLS handshake noise that scanners and first-time certificate issuance
// produce.
type serverErrorLogWriter struct {
	log                  *slog.Logger
	autoTLS              bool
	provisioningHintOnce sync.Once
}

func newServerErrorLogWriter(logger *slog.Logger, autoTLS bool) *serverErrorLogWriter {
	return &serverErrorLogWriter{log: logger, autoTLS: autoTLS}
}

func (w *serverErrorLogWriter) Write(p []byte) (n int, err error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	if w.logTLSHandshakeLine(line) {
		return len(p), nil
	}
	w.log.Warn("http server error", "err", line)
	return len(p), nil
}

func (w *serverErrorLogWriter) logTLSHandshakeLine(line string) bool {
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return false
	}
	payload := line[idx+len(marker):]
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return true
	}
	addr = strings.TrimSpace(addr)
	reason = strings.TrimSpace(reason)
	switch {
	case isLikelyScannerTLSReason(reason):
		w.log.Debug("tls handshake rejected", "remote_addr", addr, "reason", reason)
	case w.autoTLS && isLikelyTLSProvisioningReason(reason):
		w.provisioningHintOnce.Do(func() {
			w.log.Info("TLS certificate provisioning in progress for a new host; initial handshake retries are expected")
		})
		w.log.Info("tls handshake retried during certificate provisioning", "remote_addr", addr, "reason", reason)
	default:
		w.log.Warn("tls handshake failed", "remote_addr", addr, "reason", reason)
	}
	return true
}

func isLikelyTLSProvisioningReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return strings.Contains(reason, "bad certificate") ||
		strings.Contains(reason, "failed to verify certificate") ||
		strings.Contains(reason, "x509:")
}

func isLikelyScannerTLSReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return reason == "eof" ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "offered only unsupported versions") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, errHostNotAllowed.Error()) ||
		strings.Contains(reason, "connection reset by peer")
}
