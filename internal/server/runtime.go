package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/hcodes/tunnel/internal/config"
)

// Run reconciles stale tunnel records, starts the background workers and
// serves until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	resetCount, err := s.store.ResetActiveTunnels(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("reset active tunnels: %w", err)
	}
	if resetCount > 0 {
		s.log.Info("reconciled stale active tunnels", "count", resetCount)
	}

	s.startWorkers(ctx)

	autoTLS := s.cfg.TLSMode == config.TLSModeAuto
	mainServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       httpsReadTimeout,
		WriteTimeout:      httpsWriteTimeout,
		IdleTimeout:       httpsIdleTimeout,
		MaxHeaderBytes:    httpsMaxHeaderBytes,
		ErrorLog:          log.New(newServerErrorLogWriter(s.log, autoTLS), "", 0),
	}

	errCh := make(chan error, 2)
	var challengeServer *http.Server
	if autoTLS {
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: s.allowCertificateHost,
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		mainServer.TLSConfig = tlsConfig

		challengeServer = &http.Server{
			Addr:              s.cfg.ACMEHTTPListen,
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       httpIdleTimeout,
			MaxHeaderBytes:    httpsMaxHeaderBytes,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ACMEHTTPListen)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	go func() {
		var err error
		if autoTLS {
			s.log.Info("starting HTTPS server", "addr", s.cfg.Listen, "root_domain", s.cfg.RootDomain)
			err = mainServer.ListenAndServeTLS("", "")
		} else {
			s.log.Info("starting HTTP server", "addr", s.cfg.Listen, "root_domain", s.cfg.RootDomain)
			err = mainServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.closeAllSessions()
	if err := shutdownServer(mainServer, 5*time.Second); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, 5*time.Second); err != nil && runErr == nil {
			runErr = err
		}
	}
	if !waitGroupWait(&s.agents, 15*time.Second) {
		s.log.Warn("timed out waiting for agent connections to close")
	}
	return runErr
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
