package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "netchan-demo",
		Short: "Drive a netchan client/server pair over a simulated link",
		Long: `netchan-demo exercises the netchan connection layer end to end:
a BaseClient and BaseServer connected through a NetworkSimulator, with
configurable latency, jitter, and packet loss.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
