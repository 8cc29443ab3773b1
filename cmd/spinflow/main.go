// Command spinflow runs the demo graph: a clock publisher, a subscription
// asking a service for the time between consecutive ticks, and that service,
// all on one executor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/drblury/spinflow/internal/demo"
	"github.com/drblury/spinflow/internal/runtime"
	"github.com/drblury/spinflow/internal/runtime/bridge"
	configpkg "github.com/drblury/spinflow/internal/runtime/config"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
	"github.com/drblury/spinflow/transport"
	_ "github.com/drblury/spinflow/transport/channel"
	_ "github.com/drblury/spinflow/transport/io"
)

var rootCmd = &cobra.Command{
	Use:   "spinflow",
	Short: "spinflow - single-process pub/sub and request/reply with a cooperative executor",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the demo graph until interrupted",
	RunE:  runDemo,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE:  printConfig,
}

var (
	configPath string
	debug      bool
	duration   time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	runCmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*configpkg.Config, error) {
	cfg, err := configpkg.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	if err := configpkg.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
	return nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: loggingpkg.ParseLevel(cfg.LogLevel),
	})))

	deps := runtime.GraphDependencies{Hooks: runtime.LoggingHooks(logger)}
	var registry *prometheus.Registry
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		deps.Registerer = registry
	}

	g, err := runtime.NewGraph(cfg, logger, deps)
	if err != nil {
		return err
	}

	nodes, err := demo.Build(g, cfg.Demo)
	if err != nil {
		return err
	}
	defer nodes.Close()

	exec, err := runtime.NewExecutor(g, runtime.WithExecutorName("main"))
	if err != nil {
		return err
	}
	for _, n := range nodes.All() {
		if err := exec.AddNode(n); err != nil {
			return err
		}
	}

	if cfg.BridgeTransport != "" {
		var opts []bridge.Option
		if registry != nil {
			opts = append(opts, bridge.WithMetrics(registry))
		}
		b, err := startBridge(ctx, g, exec, cfg, logger, opts...)
		if err != nil {
			return err
		}
		defer b.Close()
	}

	var servers []*http.Server
	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		servers = append(servers, serve(logger, "metrics", cfg.MetricsPort, mux))
	}
	if cfg.IntrospectionEnabled {
		mux := http.NewServeMux()
		mux.Handle("/graph", runtime.NewIntrospectionHandler(g, exec))
		servers = append(servers, serve(logger, "introspection", cfg.IntrospectionPort, mux))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
	}()

	logger.Info("Spinning", loggingpkg.LogFields{
		"executor": exec.Name(),
		"topic":    cfg.Demo.Topic,
		"endpoint": cfg.Demo.Endpoint,
		"period":   cfg.Demo.PublishPeriod.String(),
	})
	err = exec.Spin(ctx)
	exec.Stop()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	stats := exec.Stats()
	logger.Info("Stopped", loggingpkg.LogFields{
		"callbacks":  stats.Callbacks,
		"failures":   stats.Failures,
		"iterations": stats.Iterations,
	})
	return nil
}

func startBridge(ctx context.Context, g *runtime.Graph, exec *runtime.Executor, cfg *configpkg.Config, logger loggingpkg.ServiceLogger, opts ...bridge.Option) (*bridge.Bridge, error) {
	tr, err := transport.Build(ctx, cfg, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return nil, err
	}
	codec, err := bridge.CodecFor(cfg.BridgeCodec)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	node, err := g.NewNode("bridge")
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	if err := exec.AddNode(node); err != nil {
		_ = tr.Close()
		return nil, err
	}

	b, err := bridge.New(node, tr, codec, logger, opts...)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	for _, topic := range cfg.BridgeForwardTopics {
		if err := b.Forward(topic); err != nil {
			_ = b.Close()
			return nil, err
		}
	}
	for _, topic := range cfg.BridgeIngestTopics {
		if err := b.Ingest(topic); err != nil {
			_ = b.Close()
			return nil, err
		}
	}

	go func() {
		if err := b.Run(ctx); err != nil {
			logger.Error("Bridge stopped", err, nil)
		}
	}()
	return b, nil
}

func serve(logger loggingpkg.ServiceLogger, name string, port int, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", loggingpkg.LogFields{"server": name, "addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", err, loggingpkg.LogFields{"server": name})
		}
	}()
	return srv
}
