// Kephasgate is a multi-transport application server.
//
// It serves HTTP requests through a throttle, auth and validation pipeline,
// accepts WebSocket and raw TCP command connections and relays broadcasts to
// peer processes through Redis or NATS.
//
// Usage:
//
//	kephasgate serve [flags]
//	kephasgate token --sub <uuid> [flags]
//	kephasgate config [flags]
//	kephasgate version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/kephasgate/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kephasgate",
	Short: "Multi-transport application server",
	Long: `Kephasgate dispatches HTTP requests, WebSocket frames and TCP frames through a
shared pipeline of rate limiting, bearer-token authentication and payload
validation, and fans broadcasts out to subscribed connections on every node.

Configuration is read from an optional YAML file, then from KEPHASGATE_*
environment variables, then from command line flags.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
