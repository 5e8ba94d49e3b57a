// Package main is the CLI entry point for Tom, the family assistant.
//
// One binary, three roles:
//
//	tom gateway   --config /data/config.yml          # public edge, TLS, auth
//	tom backend   --config /data/config.yml --user alice \
//	              --provider news=http://news:8080 ... # one user's assistant
//	tom provider  --config /data/config.yml --module news [--user alice]
//
// Fatal configuration errors (missing TLS material, unusable default LLM
// provider, unknown module) exit with status 1.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build metadata injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "tom",
		Short:         "Tom, the family personal assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildGatewayCmd(),
		buildBackendCmd(),
		buildProviderCmd(),
		buildVersionCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tom:", err)
		os.Exit(1)
	}
}
