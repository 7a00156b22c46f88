package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/logging"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/picobldc"
)

func newBoardCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "board",
		Short: "print the motor board's power and status readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logging.Sync(log) }()

			pico, err := picobldc.New(cfg.I2CBus, log)
			if err != nil {
				return err
			}
			defer pico.Close()

			ctx, cancel := signalContext(cmd.Context(), log)
			defer cancel()
			for {
				battV, _ := pico.BattVolts()
				current, _ := pico.CurrentAmps()
				power, _ := pico.PowerWatts()
				tempC, _ := pico.TemperatureC()
				status, err := pico.Status()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%.1fC %.2fV %.3fA %.3fW Status=%x\n", tempC, battV, current, power, status)
				if !watch {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep printing until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "time between readings with --watch")
	return cmd
}
