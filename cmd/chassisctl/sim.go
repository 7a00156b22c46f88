package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/chassis"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/hardware"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/logging"
)

type simResult struct {
	move     move
	simTime  time.Duration
	wallTime time.Duration
	cycles   int
	distance float64
	angle    float64
}

func newSimCmd() *cobra.Command {
	var (
		step   time.Duration
		noPlot bool
	)
	cmd := &cobra.Command{
		Use:   "sim [moves...]",
		Short: "run a move sequence against the simulated drivetrain",
		Long: "Moves are kind:value, where kind is move (metres), turn (degrees),\n" +
			"raw (motor degrees straight) or rawturn (motor degrees turning).",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			moves, err := parseMoves(args)
			if err != nil {
				return err
			}
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logging.Sync(log) }()

			ctx, cancel := signalContext(cmd.Context(), log)
			defer cancel()

			hw := hardware.NewDummy(log, chassis.NewMetrics(prometheus.NewRegistry()), hardware.SimOptions{Step: step})
			defer hw.Shutdown()
			if err := hw.Start(ctx); err != nil {
				return err
			}
			ctrl, err := hw.StartChassisControl(cfg)
			if err != nil {
				return err
			}
			sim := hw.Sim()

			var (
				results         []simResult
				distances, turn []float64
			)
			for _, m := range moves {
				startPos, startSim, startWall := sim.Position(), sim.Now(), time.Now()
				if err := m.run(ctx, ctrl); err != nil {
					return fmt.Errorf("%v: %w", m, err)
				}
				samples := sim.Trace()
				for _, s := range samples {
					distances = append(distances, (s.Left+s.Right)/2)
					turn = append(turn, (s.Left-s.Right)/2)
				}
				pos := sim.Position()
				results = append(results, simResult{
					move:     m,
					simTime:  sim.Now() - startSim,
					wallTime: time.Since(startWall),
					cycles:   len(samples),
					distance: ((pos.Left + pos.Right) - (startPos.Left + startPos.Right)) / 2,
					angle:    ((pos.Left - pos.Right) - (startPos.Left - startPos.Right)) / 2,
				})
			}

			out := cmd.OutOrStdout()
			printResults(out, results)
			if !noPlot {
				plot(out, distances, "distance (motor degrees)")
				plot(out, turn, "turn (motor degrees)")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&step, "step", 0, "simulated time per control cycle (default: the loop period)")
	cmd.Flags().BoolVar(&noPlot, "no-plot", false, "skip the trajectory plots")
	return cmd
}

func printResults(out io.Writer, results []simResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MOVE\tSETTLE\tWALL\tCYCLES\tDISTANCE\tANGLE")
	settle := make([]float64, 0, len(results))
	for _, r := range results {
		fmt.Fprintf(w, "%v\t%v\t%v\t%d\t%.1f\t%.1f\n",
			r.move, r.simTime, r.wallTime.Round(time.Millisecond), r.cycles, r.distance, r.angle)
		settle = append(settle, r.simTime.Seconds())
	}
	_ = w.Flush()

	if len(settle) > 1 {
		mean, std := stat.MeanStdDev(settle, nil)
		fmt.Fprintf(out, "\nsettle time: mean %.3fs stddev %.3fs\n", mean, std)
	}
}

func plot(out io.Writer, data []float64, caption string) {
	if len(data) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, asciigraph.Plot(data,
		asciigraph.Height(12),
		asciigraph.Width(80),
		asciigraph.Caption(caption),
	))
}
