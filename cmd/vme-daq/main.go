// vme-daq acquires events from a VME crate of Mesytec digitizers and drives
// them through a dataflow graph of analysis nodes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrzor/vme-daq/internal/config"
	"github.com/mrzor/vme-daq/internal/crate"
	"github.com/mrzor/vme-daq/internal/logging"
	"github.com/mrzor/vme-daq/internal/metrics"
	"github.com/mrzor/vme-daq/internal/module"
	"github.com/mrzor/vme-daq/internal/otel"
	"github.com/mrzor/vme-daq/internal/plugin"
	"github.com/mrzor/vme-daq/internal/run"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := runDAQ(); err != nil {
		if errors.Is(err, config.ErrUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		log.Fatalf("Error: %v", err)
	}
}

func printInfo() {
	fmt.Printf("vme-daq %s (commit: %s, built: %s)\n\nModule types:\n", version, commit, date)
	for _, typ := range module.DefaultRegistry().Types() {
		fmt.Printf("  %s\n", typ)
	}
	fmt.Println("\nPlugin types:")
	plugins := plugin.DefaultRegistry()
	for _, typ := range plugins.Types() {
		def, _ := plugins.Lookup(typ)
		fmt.Printf("  %-18s %s\n", typ, def.Group)
		for _, a := range def.Attributes {
			fmt.Printf("    %-14s default %v: %s\n", a.Name, a.Default, a.Doc)
		}
	}
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(logger *zap.Logger) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}
	if !otelCfg.Enabled {
		return nil, func() {}, nil
	}

	tp, err := otel.InitProvider(otelCfg, fmt.Sprintf("%s (%s)", version, commit), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Warn("shutting down OTEL provider", zap.Error(err))
		}
	}
	return tp.Tracer("vme-daq"), cleanup, nil
}

func setupMetrics(addr string) (*metrics.Metrics, *http.Server, error) {
	if addr == "" {
		return nil, nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return m, srv, nil
}

func loadCrate(cfg *config.Config) (*crate.File, error) {
	if cfg.Simulate && cfg.CrateFile == "" {
		return crate.Simulated(), nil
	}
	f, err := crate.Load(cfg.CrateFile)
	if err != nil {
		return nil, err
	}
	if cfg.Simulate {
		f.Interface = crate.InterfaceSpec{Type: crate.InterfaceSim, Name: f.Interface.Name}
	}
	return f, nil
}

func runDAQ() error {
	cfg, err := config.ParseArgs(os.Args)
	if err != nil {
		return err
	}
	if cfg.ShowInfo {
		printInfo()
		return nil
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }() //nolint:errcheck // stderr sync fails on some terminals
	logger.Info("starting vme-daq", zap.String("version", version), zap.String("commit", commit), zap.String("built", date))

	tracer, cleanupOTEL, err := setupOTEL(logger)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	m, srv, err := setupMetrics(cfg.MetricsAddr)
	if err != nil {
		return err
	}

	f, err := loadCrate(cfg)
	if err != nil {
		return err
	}
	c, err := crate.Build(f, crate.Deps{Logger: logger, Metrics: m, SingleEvent: cfg.SingleEvent})
	if err != nil {
		return fmt.Errorf("failed to build crate: %w", err)
	}

	opts := []run.Option{
		run.WithLogger(logger),
		run.WithMetrics(m),
		run.WithStatsInterval(cfg.StatsInterval),
		run.WithJoinTimeout(cfg.JoinTimeout),
		run.WithUpdateFunc(func(u run.Update) {
			logger.Debug("run statistics",
				zap.Uint64("events", u.Events),
				zap.Float64("event_rate_hz", u.EventRate),
				zap.Float64("trigger_rate_hz", u.TriggerRate),
				zap.Int("buffer_depth", u.BufferDepth))
		}),
	}
	if tracer != nil {
		opts = append(opts, run.WithTracer(tracer))
	}
	ctrl := run.New(c.Setup(), opts...)
	if err := ctrl.SetRunName(cfg.RunName); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if c.Simulator != nil {
		c.Simulator.OnTrigger(ctrl.SetTriggerCount)
		g.Go(func() error { return c.Simulator.Run(gctx) })
	}
	if p := c.Pulser(ctrl); p != nil {
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping run", zap.Uint64("events", ctrl.EventCount()))
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.JoinTimeout+time.Second)
		defer cancel()
		return ctrl.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("run finished",
		zap.String("run_id", ctrl.ID().String()),
		zap.Uint64("events", ctrl.EventCount()),
		zap.Duration("duration", ctrl.Duration()))
	return nil
}
