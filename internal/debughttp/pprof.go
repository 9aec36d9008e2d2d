// Package debughttp serves runtime profiles and gateway metrics on a private
// listener kept apart from the public gateway port.
package debughttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"

	"github.com/hcodes/tunnel/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Start binds addr and serves the debug mux until ctx is canceled. It
// returns the bound address, or "" when addr is empty and nothing was
// started. Binding happens before return so address conflicts fail fast.
func Start(ctx context.Context, addr string, log *slog.Logger) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	srv := &http.Server{
		Handler:           newDebugMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	bound := ln.Addr().String()
	go func() {
		log.Info("debug listener started", "addr", bound)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug listener error", "addr", bound, "err", err)
		}
	}()

	return bound, nil
}

func newDebugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
