package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X main.version=...";
// it defaults to "dev" for local builds.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gosvd version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("gosvd " + version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
