package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nbd-server",
		Short: "NBD block device server with recording control plane",
		Long:  "Serves an in-memory byte array as an NBD block device and records writes/flushes for offline crash-state enumeration",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
