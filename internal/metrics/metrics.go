// Package metrics holds the gateway's process-wide operational counters and
// exposes them in Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	// Agent and tunnel metrics
	AgentsConnected   = metrics.NewGauge(`tunnel_agents_connected`, nil)
	TunnelsBound      = metrics.NewGauge(`tunnel_tunnels_bound`, nil)
	TunnelTakeovers   = metrics.NewCounter(`tunnel_takeovers_total`)
	HandshakeFailures = metrics.NewCounter(`tunnel_handshake_failures_total`)

	// Forwarding metrics
	PendingRequests = metrics.NewGauge(`tunnel_pending_requests`, nil)
	LateResponses   = metrics.NewCounter(`tunnel_late_responses_total`)
	ForwardDuration = metrics.NewHistogram(`tunnel_forward_duration_seconds`)
	BytesForwarded  = metrics.NewCounter(`tunnel_request_bytes_forwarded_total`)

	// Usage recording
	UsageDropped = metrics.NewCounter(`tunnel_usage_updates_dropped_total`)
	UsageErrors  = metrics.NewCounter(`tunnel_usage_update_errors_total`)
)

// Public request outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeNoTunnel  = "no_tunnel"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
	OutcomeTooLarge  = "too_large"
	OutcomeCanceled  = "canceled"
)

// Handler returns the metrics handler for Prometheus scraping.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(w, true)
	}
}

// RecordPublicRequest counts one tunneled public request by outcome and, for
// forwarded ones, observes how long the agent took.
func RecordPublicRequest(outcome string, forwardedFor time.Duration) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tunnel_public_requests_total{outcome=%q}`, outcome)).Inc()
	if forwardedFor > 0 {
		ForwardDuration.UpdateDuration(time.Now().Add(-forwardedFor))
	}
}

// RecordRegistration counts one register attempt by result code ("ok" or an
// error code).
func RecordRegistration(result string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tunnel_registrations_total{result=%q}`, result)).Inc()
}
