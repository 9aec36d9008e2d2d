// Package config loads gateway settings from, in increasing precedence, an
// optional TOML file, TUNNEL_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	flag "github.com/spf13/pflag"
)

// EnvPrefix is stripped from environment variable names; the remainder is
// lower-cased with underscores mapped to hyphens, so TUNNEL_ROOT_DOMAIN sets
// root-domain.
const EnvPrefix = "TUNNEL_"

// Fixed gateway limits. These are not configurable.
const (
	RequestTimeout = 30 * time.Second
	MaxBodyBytes   = 10 * 1024 * 1024
)

type ServerConfig struct {
	Listen           string
	RootDomain       string
	DBPath           string
	DBMaxOpenConns   int
	DBMaxIdleConns   int
	RedisURL         string
	JWTSecret        string
	AdminToken       string
	LogLevel         string
	LogFormat        string
	TLSMode          string
	CertCacheDir     string
	ACMEHTTPListen   string
	PprofListen      string
	PingInterval     time.Duration
	AgentIdleTimeout time.Duration
	UsageQueueSize   int
	RequestTimeout   time.Duration
	MaxBodyBytes     int64
}

const defaultListen = ":8090"
const defaultRootDomain = "tunnel.hcodes.tech"
const defaultDBPath = "./tunnel.db"
const defaultCertCacheDir = "./cert"
const defaultACMEHTTPListen = ":80"
const defaultPingInterval = 30 * time.Second
const defaultAgentIdleTimeout = 90 * time.Second
const defaultUsageQueueSize = 1024
const defaultDBMaxOpenConns = 10
const defaultDBMaxIdleConns = 10

// TLS modes.
const (
	TLSModeOff  = "off"
	TLSModeAuto = "auto"
)

// AddCommonFlags registers the flags shared by every subcommand that touches
// the account database.
func AddCommonFlags(fs *flag.FlagSet) {
	fs.String("config", "", "Path to a TOML config file")
	fs.String("db", defaultDBPath, "SQLite database path")
	fs.String("jwt-secret", "", "HMAC secret for signing agent tokens")
	fs.String("log-level", "info", "Log level: debug|info|warn|error")
	fs.String("log-format", "text", "Log format: text|json")
}

// Load parses args into fs and layers file, environment and flag values into
// a koanf instance. fs must already carry the command's flags; a --config
// flag is added when missing.
func Load(fs *flag.FlagSet, args []string) (*koanf.Koanf, error) {
	if fs.Lookup("config") == nil {
		fs.String("config", "", "Path to a TOML config file")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	ko := koanf.New(".")
	if path, _ := fs.GetString("config"); strings.TrimSpace(path) != "" {
		if err := ko.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	// Empty variables are skipped so they do not mask flag defaults.
	if err := ko.Load(env.ProviderWithValue(EnvPrefix, ".", func(k, v string) (string, any) {
		if strings.TrimSpace(v) == "" {
			return "", nil
		}
		return envKey(k), v
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if err := ko.Load(posflag.Provider(fs, ".", ko), nil); err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	return ko, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", "-")
}

// ParseServerFlags builds the gateway configuration for the server command.
func ParseServerFlags(args []string) (ServerConfig, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	AddCommonFlags(fs)
	fs.String("listen", defaultListen, "HTTP(S) listen address")
	fs.String("root-domain", defaultRootDomain, "Root domain under which tunnels get subdomains")
	fs.Int("db-max-open-conns", defaultDBMaxOpenConns, "SQLite max open connections")
	fs.Int("db-max-idle-conns", defaultDBMaxIdleConns, "SQLite max idle connections")
	fs.String("redis-url", "", "Redis URL for usage counters (in-memory when empty)")
	fs.String("admin-token", "", "Bearer token for the plan upgrade endpoint (disabled when empty)")
	fs.String("tls-mode", TLSModeOff, "TLS mode: off|auto")
	fs.String("cert-cache-dir", defaultCertCacheDir, "ACME certificate cache dir (tls-mode=auto)")
	fs.String("acme-http-listen", defaultACMEHTTPListen, "HTTP listen address for ACME challenges (tls-mode=auto)")
	fs.String("pprof-listen", "", "Private listen address for pprof and metrics (disabled when empty)")
	fs.Duration("ping-interval", defaultPingInterval, "Interval between websocket pings to agents")
	fs.Duration("agent-idle-timeout", defaultAgentIdleTimeout, "Close agents silent for this long")
	fs.Int("usage-queue-size", defaultUsageQueueSize, "Buffered usage updates before drops")

	ko, err := Load(fs, args)
	if err != nil {
		return ServerConfig{}, err
	}

	pingInterval, err := duration(ko, "ping-interval")
	if err != nil {
		return ServerConfig{}, err
	}
	idleTimeout, err := duration(ko, "agent-idle-timeout")
	if err != nil {
		return ServerConfig{}, err
	}

	cfg := ServerConfig{
		Listen:           strings.TrimSpace(ko.String("listen")),
		RootDomain:       normalizeDomainHost(ko.String("root-domain")),
		DBPath:           strings.TrimSpace(ko.String("db")),
		DBMaxOpenConns:   ko.Int("db-max-open-conns"),
		DBMaxIdleConns:   ko.Int("db-max-idle-conns"),
		RedisURL:         strings.TrimSpace(ko.String("redis-url")),
		JWTSecret:        ko.String("jwt-secret"),
		AdminToken:       ko.String("admin-token"),
		LogLevel:         strings.ToLower(strings.TrimSpace(ko.String("log-level"))),
		LogFormat:        strings.ToLower(strings.TrimSpace(ko.String("log-format"))),
		TLSMode:          strings.ToLower(strings.TrimSpace(ko.String("tls-mode"))),
		CertCacheDir:     strings.TrimSpace(ko.String("cert-cache-dir")),
		ACMEHTTPListen:   strings.TrimSpace(ko.String("acme-http-listen")),
		PprofListen:      strings.TrimSpace(ko.String("pprof-listen")),
		PingInterval:     pingInterval,
		AgentIdleTimeout: idleTimeout,
		UsageQueueSize:   ko.Int("usage-queue-size"),
		RequestTimeout:   RequestTimeout,
		MaxBodyBytes:     MaxBodyBytes,
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (cfg ServerConfig) Validate() error {
	if cfg.RootDomain == "" {
		return errors.New("missing --root-domain or TUNNEL_ROOT_DOMAIN")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("missing --jwt-secret or TUNNEL_JWT_SECRET")
	}
	if cfg.DBPath == "" {
		return errors.New("missing --db or TUNNEL_DB")
	}
	switch cfg.TLSMode {
	case TLSModeOff, TLSModeAuto:
	default:
		return errors.New("tls mode must be one of: off, auto")
	}
	if cfg.TLSMode == TLSModeAuto && (cfg.CertCacheDir == "" || cfg.ACMEHTTPListen == "") {
		return errors.New("tls mode auto requires --cert-cache-dir and --acme-http-listen")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return errors.New("log format must be one of: text, json")
	}
	if cfg.PingInterval <= 0 {
		return errors.New("ping interval must be > 0")
	}
	if cfg.AgentIdleTimeout <= cfg.PingInterval {
		return errors.New("agent idle timeout must exceed ping interval")
	}
	if cfg.UsageQueueSize <= 0 {
		return errors.New("usage queue size must be > 0")
	}
	if cfg.DBMaxOpenConns <= 0 {
		return errors.New("db max open conns must be > 0")
	}
	if cfg.DBMaxIdleConns <= 0 {
		return errors.New("db max idle conns must be > 0")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return errors.New("db max idle conns cannot exceed max open conns")
	}
	return nil
}

// duration reads key as a Go duration string. Flag defaults arrive as
// time.Duration and format back to the same syntax.
func duration(ko *koanf.Koanf, key string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(ko.String(key)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
