package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hcodes/tunnel/internal/domain"
	"github.com/hcodes/tunnel/internal/metrics"
	"github.com/hcodes/tunnel/internal/tunnelproto"
)

// correlator pairs forwarded requests with agent responses by request id.
// Every pending entry is completed exactly once: whichever of resolve, the
// timeout or cancellation removes it from the map owns the outcome.
type correlator struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	log     *slog.Logger
}

type pendingEntry struct {
	owner *session
	// ch is buffered so the single resolver never blocks.
	ch chan *tunnelproto.HTTPResponse
}

func newCorrelator(logger *slog.Logger) *correlator {
	return &correlator{entries: make(map[string]pendingEntry), log: logger}
}

// register creates a pending entry for id answered only by owner.
func (c *correlator) register(id string, owner *session) <-chan *tunnelproto.HTTPResponse {
	ch := make(chan *tunnelproto.HTTPResponse, 1)
	c.mu.Lock()
	c.entries[id] = pendingEntry{owner: owner, ch: ch}
	c.mu.Unlock()
	metrics.PendingRequests.Inc()
	return ch
}

// take removes and returns the entry for id.
func (c *correlator) take(id string, from *session) (pendingEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return pendingEntry{}, false
	}
	if from != nil && e.owner != from {
		return pendingEntry{}, false
	}
	delete(c.entries, id)
	metrics.PendingRequests.Dec()
	return e, true
}

// resolve delivers resp to the waiter for resp.ID. Responses for unknown or
// already completed ids, or from a session that does not own the request,
// are dropped.
func (c *correlator) resolve(from *session, resp *tunnelproto.HTTPResponse) bool {
	e, ok := c.take(resp.ID, from)
	if !ok {
		metrics.LateResponses.Inc()
		c.log.Debug("dropping response for unknown request", "request_id", resp.ID)
		return false
	}
	e.ch <- resp
	return true
}

// cancel abandons id. It reports whether the entry was still pending.
func (c *correlator) cancel(id string) bool {
	_, ok := c.take(id, nil)
	return ok
}

// wait blocks until the response for id arrives, timeout elapses or ctx is
// done. On timeout it returns [domain.ErrGatewayTimeout]; on cancellation,
// ctx's error.
func (c *correlator) wait(ctx context.Context, id string, ch <-chan *tunnelproto.HTTPResponse, timeout time.Duration) (*tunnelproto.HTTPResponse, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		if c.cancel(id) {
			return nil, domain.ErrGatewayTimeout
		}
	case <-ctx.Done():
		if c.cancel(id) {
			return nil, ctx.Err()
		}
	}
	// resolve removed the entry first; its send is already under way.
	return <-ch, nil
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
