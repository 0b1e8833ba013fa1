package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ayusman/posecam/internal/perf"
)

func newPresetsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "Show the resolution ladder and the preset recommended for this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ladder, err := o.cfg.Ladder()
			if err != nil {
				return err
			}
			caps := perf.DetectCapabilities(ladder)

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "LABEL\tSIZE\tPIXELS\t")
			fmt.Fprintln(w, "-----\t----\t------\t")
			for _, p := range ladder.Presets() {
				note := ""
				if p == caps.RecommendedPreset {
					note = "recommended"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.Label, p.Dimensions(), p.Area(), note)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(out, "\nHost: %s (%d CPUs), suggested rate %.0f fps\n", caps.Level, caps.CPUs, caps.RecommendedRate)
			return nil
		},
	}
}
