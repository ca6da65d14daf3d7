package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/config"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/effects"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/engine"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/observability"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/render"
)

const stopTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "lightwave",
		Short: "Real-time LED render engine",
		Long: `lightwave renders effects for addressable LED strips at a fixed frame
rate, shaped by a narrative tension cycle and optional audio features.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newRunCmd(&configPath), newConfigCmd(&configPath), newEffectsCmd())
	return root
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

type runFlags struct {
	metricsAddr string
	duration    time.Duration
	stats       bool
}

func newRunCmd(configPath *string) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and render until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if f.metricsAddr != "" {
				cfg.Metrics.Addr = f.metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if f.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, f.duration)
				defer cancel()
			}
			return run(ctx, cfg, f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (overrides metrics.addr)")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "stop after this long; 0 runs until interrupted")
	cmd.Flags().BoolVar(&f.stats, "stats", false, "print a stats line on every diagnostics tick")
	return cmd
}

func run(ctx context.Context, cfg config.Config, f runFlags, out io.Writer) error {
	log := logging.New(cfg.Logging)

	tp, shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithRegisterer(prometheus.NewRegistry()),
		engine.WithTracerProvider(tp),
	}
	if f.stats {
		opts = append(opts, engine.WithReport(newStatsPrinter(out).Print))
	}
	e, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}
	ctx = logging.ContextWithSession(ctx, e.Session())

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(ctx, cfg.Metrics.Addr, e.Metrics().Handler(), log)
	}

	err = e.Run(ctx, stopTimeout)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newEffectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "effects",
		Short: "List the built-in effects",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := render.NewRegistry()
			if err := effects.RegisterDefaults(reg); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCAPABILITIES")
			for _, info := range reg.List() {
				fmt.Fprintf(w, "%d\t%s\t%s\n", info.ID, info.Name, info.Caps)
			}
			return w.Flush()
		},
	}
}
