// Command vhostd runs one or more vhost-user endpoints described by a
// YAML manifest: the transport/connection-management core plus the
// logging, metrics, tracing and configuration surface a production Go
// daemon carries.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vhostd",
		Short: "vhostd runs vhost-user control-plane endpoints",
		Long:  "vhostd multiplexes a vhost-user listener/connector, framed-message transport, and guest-memory installer described by an endpoint manifest.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to daemon config YAML file")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
