// Package cli wires the tunnel binary's subcommands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loadTunnelEnvFromDotEnv(".env")

	if len(args) == 0 {
		return runServer(ctx, nil)
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "user":
		return runUserAdmin(ctx, args[1:])
	case "token":
		return runToken(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}
