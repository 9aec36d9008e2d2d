package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hcodes/tunnel/internal/domain"
	"github.com/hcodes/tunnel/internal/metrics"
	"github.com/hcodes/tunnel/internal/tunnelproto"
)

var errBodyTooLarge = errors.New("request body too large")

// handlePublic forwards one public request to the agent bound to name and
// relays its response. Any unexpected failure yields 504.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request, name string) {
	wroteHeader := false
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
		s.log.Error("public request panic", "tunnel", name, "panic", rec)
		metrics.RecordPublicRequest(metrics.OutcomeError, 0)
		if !wroteHeader {
			http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		}
	}()

	sess := s.hub.lookup(name)
	if sess == nil {
		metrics.RecordPublicRequest(metrics.OutcomeNoTunnel, 0)
		http.Error(w, "No active tunnel for "+name, http.StatusBadGateway)
		return
	}

	body, err := readLimitedBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			metrics.RecordPublicRequest(metrics.OutcomeTooLarge, 0)
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		metrics.RecordPublicRequest(metrics.OutcomeError, 0)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	s.queueUsage(name, int64(len(body)))
	metrics.BytesForwarded.Add(len(body))

	headers := tunnelproto.CloneHeaders(r.Header)
	headers["Host"] = []string{r.Host}
	req := &tunnelproto.HTTPRequest{
		ID:      uuid.NewString(),
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: headers,
		BodyB64: tunnelproto.EncodeBody(body),
	}

	start := time.Now()
	ch := s.pending.register(req.ID, sess)
	if err := sess.writeJSON(tunnelproto.Message{Kind: tunnelproto.KindRequest, Request: req}); err != nil {
		s.pending.cancel(req.ID)
		s.log.Warn("failed to forward request to agent", "tunnel", name, "request_id", req.ID, "err", err)
		metrics.RecordPublicRequest(metrics.OutcomeError, 0)
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		return
	}

	resp, err := s.pending.wait(r.Context(), req.ID, ch, s.cfg.RequestTimeout)
	switch {
	case errors.Is(err, domain.ErrGatewayTimeout):
		s.log.Warn("agent response timed out", "tunnel", name, "request_id", req.ID)
		metrics.RecordPublicRequest(metrics.OutcomeTimeout, 0)
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		return
	case err != nil:
		s.log.Debug("public client went away", "tunnel", name, "request_id", req.ID, "err", err)
		metrics.RecordPublicRequest(metrics.OutcomeCanceled, 0)
		return
	}

	respBody, err := tunnelproto.DecodeBody(resp.BodyB64)
	if err != nil {
		s.log.Warn("invalid response body from agent", "tunnel", name, "request_id", req.ID, "err", err)
		metrics.RecordPublicRequest(metrics.OutcomeError, 0)
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		return
	}
	h, respBody := s.rewriter.Response(name, resp.Headers, respBody)

	dst := w.Header()
	for k, v := range h {
		dst[k] = v
	}
	if cl := dst.Get("Content-Length"); cl != "" && r.Method != http.MethodHead && cl != strconv.Itoa(len(respBody)) {
		dst.Set("Content-Length", strconv.Itoa(len(respBody)))
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	wroteHeader = true
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
	metrics.RecordPublicRequest(metrics.OutcomeCompleted, time.Since(start))
}

// readLimitedBody reads at most limit bytes of the request body.
func readLimitedBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	if r.ContentLength > limit {
		return nil, errBodyTooLarge
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	return body, nil
}
