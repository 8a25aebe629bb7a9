// Command blkenum reads a serialized Recording and writes every
// crash-candidate disk image it implies as <input>.NNN files alongside
// it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/nbdtrace/internal/enumerator"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blkenum <recording-path>",
		Short: "Enumerate crash-candidate disk images from a recorded trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			snapshot, trace, err := enumerator.Load(path)
			if err != nil {
				return err
			}

			images, err := enumerator.Generate(snapshot, trace)
			if err != nil {
				return fmt.Errorf("blkenum: %w", err)
			}

			paths, err := enumerator.WriteImages(path, images)
			if err != nil {
				return fmt.Errorf("blkenum: %w", err)
			}

			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
