package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/livebridge/pkg/audio/malgo"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices known to the malgo backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dev, err := malgo.New(malgo.Config{})
			if err != nil {
				return err
			}
			defer dev.Close()

			capture, playback, err := dev.Devices()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "input devices:")
			for _, name := range capture {
				fmt.Fprintf(out, "  %s\n", name)
			}
			fmt.Fprintln(out, "output devices:")
			for _, name := range playback {
				fmt.Fprintf(out, "  %s\n", name)
			}
			return nil
		},
	}
}
