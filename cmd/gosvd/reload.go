package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

var reloadCmd = &cobra.Command{
	Use:   "reload <pid>",
	Short: "Send SIGHUP to a running gosvd instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pid %q: %w", args[0], err)
		}
		// gosvd itself does not reload config on SIGHUP; dynamic
		// reconfiguration at runtime is out of scope. This just
		// forwards the signal for a future build to act on, matching
		// supervisord's own reload hook.
		return unix.Kill(pid, unix.SIGHUP)
	},
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}
