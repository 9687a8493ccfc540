package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report status of a running gosvd instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		// gosvd's core has no RPC/control surface; this subcommand
		// exists so the CLI tree is complete, and points at the
		// Prometheus endpoint a running instance serves instead of a
		// bespoke protocol.
		fmt.Println("gosvd has no control socket; scrape --metrics-addr (default :9110) for live process state.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
