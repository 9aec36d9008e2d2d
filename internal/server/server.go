// Package server implements the tunnel gateway: the agent control channel,
// the public HTTP entry point that forwards requests through bound tunnels,
// and the account API served on the root domain.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hcodes/tunnel/internal/admission"
	"github.com/hcodes/tunnel/internal/auth"
	"github.com/hcodes/tunnel/internal/config"
	"github.com/hcodes/tunnel/internal/netutil"
	"github.com/hcodes/tunnel/internal/rewrite"
	"github.com/hcodes/tunnel/internal/store/sqlite"
)

const (
	wsWriteTimeout        = 15 * time.Second
	minWSReadLimit        = 1 << 20
	registerTimeout       = 10 * time.Second
	disconnectTimeout     = 10 * time.Second
	usageWriteTimeout     = 5 * time.Second
	hostCacheCleanupEvery = time.Minute

	httpsReadTimeout    = 60 * time.Second
	httpsWriteTimeout   = 60 * time.Second
	httpsIdleTimeout    = 120 * time.Second
	httpIdleTimeout     = 30 * time.Second
	httpsMaxHeaderBytes = 1 << 20
)

type Server struct {
	cfg        config.ServerConfig
	store      *sqlite.Store
	admission  *admission.Controller
	tokens     *auth.Tokens
	rewriter   *rewrite.Rewriter
	log        *slog.Logger
	hub        *hub
	pending    *correlator
	regLimiter *rateLimiter
	hosts      activeHostCache
	usage      chan usageUpdate

	// agents tracks control-connection read loops for shutdown.
	agents sync.WaitGroup
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New wires a gateway on top of the account store and the usage counter
// store. Background workers start with [Server.Run].
func New(cfg config.ServerConfig, store *sqlite.Store, usage admission.UsageStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.UsageQueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Server{
		cfg:        cfg,
		store:      store,
		admission:  admission.New(store, usage, cfg.RootDomain, logger),
		tokens:     auth.NewTokens(cfg.JWTSecret),
		rewriter:   rewrite.New(cfg.RootDomain, logger),
		log:        logger,
		hub:        newHub(),
		pending:    newCorrelator(logger),
		regLimiter: newRateLimiter(),
		hosts:      activeHostCache{entries: make(map[string]activeHostEntry)},
		usage:      make(chan usageUpdate, queueSize),
	}
}

// Handler routes by Host: the root domain (or a request without a usable
// host) reaches the account API, the agent control channel and the health
// check; every other host is treated as a public tunnel request.
func (s *Server) Handler() http.Handler {
	root := s.rootRouter()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := netutil.TunnelName(netutil.NormalizeHost(r.Host), s.cfg.RootDomain)
		if name == "" {
			root.ServeHTTP(w, r)
			return
		}
		s.handlePublic(w, r, name)
	})
}

// startWorkers launches the janitor and the usage writer. They stop with ctx.
func (s *Server) startWorkers(ctx context.Context) {
	go s.runJanitor(ctx)
	go s.runUsageWorker(ctx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Tunnel service is running"))
}
