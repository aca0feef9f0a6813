package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"iceflow/config"
	"iceflow/engine"
	"iceflow/metrics"
)

var (
	pipelinePath    string
	channelCapacity int
	metricsAddr     string
	logLevel        string
	logFormat       string

	rootCmd = &cobra.Command{
		Use:           "iceflow",
		Short:         "Stream records from files, Kafka or Postgres into Iceberg tables",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel, logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline until its sources are exhausted or it is interrupted",
		RunE:  runPipeline,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Load a pipeline description and check that its stages form a valid graph",
		RunE:  validatePipeline,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&pipelinePath, "pipeline", "p", "pipeline.yaml", "Path to the pipeline description")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	runCmd.Flags().IntVar(&channelCapacity, "channel-capacity", 0, "Capacity of every edge channel, overriding the pipeline description")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(runCmd, validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("iceflow failed", "error", err)
		if errors.Is(err, config.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("bad log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("bad log format %q", format)
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(pipelinePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []engine.Option{
		engine.WithLogger(slog.Default()),
		engine.WithChannelCapacity(channelCapacity),
	}
	if metricsAddr != "" {
		m, err := metrics.New()
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: metricsAddr, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := m.Serve(srv); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		opts = append(opts, engine.WithMetrics(m))
	}

	e, err := engine.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	if err := e.Run(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			slog.Info("pipeline interrupted", "name", cfg.Name)
			return nil
		}
		return err
	}
	return nil
}

func validatePipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(pipelinePath)
	if err != nil {
		return err
	}
	e, err := engine.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	g := e.Graph()
	fmt.Fprintf(cmd.OutOrStdout(), "pipeline %q is valid: %d stages, %d edges\n", cfg.Name, len(g.Stages()), len(g.Edges()))
	for _, edge := range g.Edges() {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", edge)
	}
	return nil
}
