package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ayusman/posecam/internal/perf"
)

func newCalibrateCommand(o *options) *cobra.Command {
	var (
		device string
		frames int
		target float64
		save   bool
	)

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Measure the frame rate of each preset and recommend one",
		Long: `calibrate opens the camera at every preset of the ladder, times a burst of
frames and reports the highest preset that reaches the target rate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := o.cfg
			if !cmd.Flags().Changed("device") {
				device = cfg.Camera.Device
			}
			if device == "" {
				device = "0"
			}
			if !cmd.Flags().Changed("target") {
				target = cfg.Performance.TargetRate
			}
			if frames <= 0 {
				return fmt.Errorf("frames must be positive, got %d", frames)
			}

			ladder, err := cfg.Ladder()
			if err != nil {
				return err
			}

			bar := progressbar.NewOptions(frames*ladder.Len(),
				progressbar.OptionSetDescription("Calibrating"),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionShowCount(),
			)

			cal := perf.Calibration{
				Opener:   o.hardware(cfg, o.logger).Opener,
				DeviceID: device,
				Frames:   frames,
				OnFrame:  func() { _ = bar.Add(1) },
			}
			results, err := cal.Run(cmd.Context(), ladder)
			_ = bar.Finish()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "PRESET\tSIZE\tFPS\tMIN\tMAX\tRESULT")
			for _, m := range results {
				if !m.OK() {
					fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t%v\n", m.Preset.Label, m.Preset.Dimensions(), m.Err)
					continue
				}
				result := "below target"
				if m.Rate >= target {
					result = "ok"
				}
				fmt.Fprintf(w, "%s\t%s\t%.1f\t%.1f\t%.1f\t%s\n", m.Preset.Label, m.Preset.Dimensions(), m.Rate, m.MinRate, m.MaxRate, result)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			best, ok := perf.Recommend(results, target)
			if !ok {
				return fmt.Errorf("no preset could be measured on device %s", device)
			}
			fmt.Fprintf(out, "\nRecommended preset: %s\n", best.Label)

			if save {
				st, err := openStore(cfg)
				if err != nil {
					return err
				}
				defer st.Close()

				prefs := st.Preferences()
				p, found, err := prefs.Get()
				if err != nil {
					return err
				}
				if !found {
					p.AutoAdjust = cfg.Performance.AutoAdjust
				}
				p.PresetLabel = best.Label
				p.DeviceID = device
				if err := prefs.Save(p); err != nil {
					return err
				}
				fmt.Fprintln(out, "Saved as the starting preset.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "camera device id (default from config, else 0)")
	cmd.Flags().IntVar(&frames, "frames", perf.DefaultCalibrationFrames, "frames to time per preset")
	cmd.Flags().Float64Var(&target, "target", 0, "target frame rate (default from config)")
	cmd.Flags().BoolVar(&save, "save", false, "store the recommendation as the starting preset")
	return cmd
}
