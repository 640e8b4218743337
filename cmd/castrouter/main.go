package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version string
	build   string
)

func main() {
	check(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "castrouter",
		Short: "Share one Google Cast session between web pages",
		Long: `castrouter discovers Cast devices on the local network, launches or joins
receiver applications and lets several browser pages drive the same session
over a WebSocket bridge.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd(), newListCmd(), newVersionCmd())
	return rootCmd
}

func check(err error) {
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}
