package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "gosvd",
	Short:         "gosvd -- POSIX process supervisor",
	Long:          "gosvd supervises a static roster of long-running child processes, restarting them with backoff and escalating graceful-then-forceful shutdown.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
