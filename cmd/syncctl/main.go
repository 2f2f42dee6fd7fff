// Command syncctl is the Syncular client binary: it drives the outbox and
// client sync engine against a remote syncd over HTTP, following the
// teacher's single-binary cobra layout (main.go sets the version, cmd/
// holds one file per subcommand) scaled down to syncctl's smaller surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Syncular client: push, pull, and watch a local-first sync partition",
}

func main() {
	rootCmd.AddCommand(authCmd, pushCmd, pullCmd, statusCmd, watchCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
