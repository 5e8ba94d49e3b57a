// commands.go defines the cobra commands and their flags; the run logic
// lives in handlers.go.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildGatewayCmd() *cobra.Command {
	var (
		configPath string
		staticDir  string
	)
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the public gateway (TLS, auth, per-user routing)",
		Example: `  # Production
  tom gateway --config /data/config.yml --static /srv/tom/web/static`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), configPath, staticDir)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/data/config.yml", "Path to the YAML configuration")
	cmd.Flags().StringVar(&staticDir, "static", "web/static", "Directory holding the web client assets")
	return cmd
}

func buildBackendCmd() *cobra.Command {
	var (
		configPath string
		username   string
		addr       string
		providers  []string
	)
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run one user's assistant backend",
		Example: `  tom backend --config /data/config.yml --user alice \
      --provider news=http://news:8080 \
      --provider calendar=http://calendar-alice:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--user is required")
			}
			return runBackend(cmd.Context(), configPath, username, addr, providers)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/data/config.yml", "Path to the YAML configuration")
	cmd.Flags().StringVarP(&username, "user", "u", "", "Username this backend serves")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringArrayVar(&providers, "provider", nil,
		"Tool provider endpoint as <module>=<url>; repeatable")
	return cmd
}

func buildProviderCmd() *cobra.Command {
	var (
		configPath string
		moduleName string
		username   string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Run one tool-provider process",
		Example: `  # Shared module
  tom provider --config /data/config.yml --module idfm

  # Personal module
  tom provider --config /data/config.yml --module calendar --user alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if moduleName == "" {
				return fmt.Errorf("--module is required")
			}
			return runProvider(cmd.Context(), configPath, moduleName, username, addr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/data/config.yml", "Path to the YAML configuration")
	cmd.Flags().StringVarP(&moduleName, "module", "m", "", "Module to host")
	cmd.Flags().StringVarP(&username, "user", "u", "", "Username for personal modules")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tom %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
