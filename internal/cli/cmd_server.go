package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/hcodes/tunnel/internal/admission"
	"github.com/hcodes/tunnel/internal/config"
	"github.com/hcodes/tunnel/internal/debughttp"
	ilog "github.com/hcodes/tunnel/internal/log"
	"github.com/hcodes/tunnel/internal/server"
	"github.com/hcodes/tunnel/internal/store/memory"
	"github.com/hcodes/tunnel/internal/store/redis"
	"github.com/hcodes/tunnel/internal/store/sqlite"
)

func runServer(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	usage, closeUsage, err := openUsageStore(ctx, cfg.RedisURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis error:", err)
		return 1
	}
	defer closeUsage()
	if cfg.RedisURL == "" {
		logger.Warn("usage counters are kept in memory; set --redis-url to persist them")
	}

	if _, err := debughttp.Start(ctx, cfg.PprofListen, logger); err != nil {
		fmt.Fprintln(os.Stderr, "debug listener error:", err)
		return 1
	}

	s := server.New(cfg, store, usage, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}

// openUsageStore picks the Redis-backed counters when url is set and falls
// back to process memory otherwise.
func openUsageStore(ctx context.Context, url string) (admission.UsageStore, func(), error) {
	if url == "" {
		return memory.NewUsageStore(), func() {}, nil
	}
	rs, err := redis.Open(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { _ = rs.Close() }, nil
}
