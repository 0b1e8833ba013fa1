package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDevicesCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List available cameras",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := o.hardware(o.cfg, o.logger).Devices.Devices(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No cameras found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tINDEX\tLABEL")
			fmt.Fprintln(w, "--\t-----\t-----")
			for _, d := range devices {
				marker := ""
				if d.ID == o.cfg.Camera.Device {
					marker = " (configured)"
				}
				fmt.Fprintf(w, "%s\t%d\t%s%s\n", d.ID, d.Index, d.Label, marker)
			}
			return w.Flush()
		},
	}
}
