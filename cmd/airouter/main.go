// Command airouter runs the routing gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coder/airouter/buildinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "airouter",
		Short: "Route coding agent model calls across providers",
		Long: `airouter accepts Anthropic Messages API calls and delivers each to a configured
provider, with retries, circuit breaking and fallback.`,
		Version:       buildinfo.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(envelopeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
