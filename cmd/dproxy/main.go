// DeepProxy is an intercepting MITM proxy that records live API traffic
// and replays it later against the same client, without a live backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dproxy",
		Short: "Intercepting MITM proxy for recording and replaying API traffic",
		Long: `DeepProxy sits between a client and its real backend, selectively
intercepting HTTPS traffic to record requests and responses, or to replay
previously recorded responses without a live backend.

It operates in one of three mutually exclusive modes: passthrough,
recording, and replay.`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newCACmd(),
		newModeCmd(),
		newConfigCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
