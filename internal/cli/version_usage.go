package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`tunnel - HTTP tunnel gateway

Routes public requests for <name>.<root-domain> to agents connected over
a websocket control channel.

Usage:
  tunnel server                                Start the gateway (default)
  tunnel user add --email E --password P       Create an account
  tunnel user plan --id ID --plan PRO          Set a subscription plan
                   [--expires 2030-01-01T00:00:00Z]
  tunnel token --email E --password P          Print an agent token
  tunnel version                               Print version
  tunnel help                                  Show this help

Every command also reads --config (TOML), TUNNEL_* environment variables
and a ./.env file, in increasing precedence below flags.

Environment Variables:
  TUNNEL_ROOT_DOMAIN      Root domain (default: tunnel.hcodes.tech)
  TUNNEL_LISTEN           Listen address (default: :8090)
  TUNNEL_DB               SQLite database path (default: ./tunnel.db)
  TUNNEL_REDIS_URL        Redis URL for usage counters (in-memory when empty)
  TUNNEL_JWT_SECRET       Token signing secret (required)
  TUNNEL_ADMIN_TOKEN      Bearer token for plan upgrades over HTTP
  TUNNEL_TLS_MODE         TLS mode: off|auto (default: off)
  TUNNEL_LOG_LEVEL        Log level: debug|info|warn|error (default: info)
  TUNNEL_LOG_FORMAT       Log format: text|json (default: text)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("tunnel", Version)
}
