package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/video-system/go-raw-capture/pkg/device"
)

func newCamerasCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cameras",
		Short: "List the cameras the backend can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			mgr, err := openBackend(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			if err := mgr.Start(cmd.Context()); err != nil {
				return fmt.Errorf("start %s backend: %w", cfg.Camera.Backend, err)
			}
			defer mgr.Stop()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSENSOR\tSIZE\tMODES")
			for _, cam := range mgr.Cameras() {
				sensor, size, modes := "-", "-", "-"
				if d, ok := cam.(device.Describer); ok {
					info := d.Describe()
					sensor = info.Model
					size = fmt.Sprintf("%dx%d", info.Width, info.Height)
					if len(info.Modes) > 0 {
						modes = strings.Join(info.Modes, ", ")
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cam.ID(), sensor, size, modes)
			}
			return w.Flush()
		},
	}
}
