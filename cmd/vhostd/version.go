package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildVersion is overridden at build time via -ldflags.
var buildVersion = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print vhostd's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("vhostd", buildVersion)
			return nil
		},
	}
}
