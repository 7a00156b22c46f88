package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/chassis"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/config"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/hardware"
	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/logging"
)

func newDriveCmd() *cobra.Command {
	var (
		metricsAddr string
		inUseFile   string
	)
	cmd := &cobra.Command{
		Use:   "drive [moves...]",
		Short: "run a move sequence on the robot",
		Args:  cobra.MinimumNArgs(1),
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
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if inUseFile != "" {
				if err := config.WriteInUse(inUseFile, cfg); err != nil {
					log.Warn("Failed to write in-use config", zap.Error(err))
				}
			}

			ctx, cancel := signalContext(cmd.Context(), log)
			defer cancel()
			err = drive(ctx, cancel, cfg, log, moves)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics here (default: metrics_addr from the config)")
	cmd.Flags().StringVar(&inUseFile, "in-use", "", "write the effective config to this file")
	return cmd
}

func drive(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, log *zap.Logger, moves []move) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := chassis.NewMetrics(reg)

	hw := hardware.New(cfg.I2CBus, log, metrics)
	if err := hw.Start(ctx); err != nil {
		return err
	}
	defer func() {
		log.Info("Zeroing motors for shut down")
		hw.Shutdown()
	}()
	ctrl, err := hw.StartChassisControl(cfg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// Finishing the sequence shuts everything else down.
		defer cancel()
		for _, m := range moves {
			log.Info("Starting move", zap.Stringer("move", m))
			start := time.Now()
			if err := m.run(ctx, ctrl); err != nil {
				return fmt.Errorf("%v: %w", m, err)
			}
			log.Info("Move complete", zap.Stringer("move", m), zap.Duration("took", time.Since(start)))
		}
		return nil
	})

	return g.Wait()
}
