package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	trust "github.com/polisai/trustconf/internal/tls"
	"github.com/polisai/trustconf/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	metricsAddr   string
	checkInterval time.Duration
	warningDays   []int
}

func newWatchCmd(a *app) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Hold a trust configuration, hot-reload its bundle and serve metrics",
		Long: `Build the trust configuration, reload the CA bundle whenever its file
changes, check the trusted chain for expiring certificates and expose
Prometheus metrics. With --config the configuration file is watched too:
debug output and insecure mode follow it without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runWatch(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Metrics listen address (overrides metrics.address)")
	cmd.Flags().DurationVar(&opts.checkInterval, "check-interval", time.Hour, "Interval between chain expiry checks")
	cmd.Flags().IntSliceVar(&opts.warningDays, "warning-days", []int{30, 7, 1}, "Days before expiry at which to warn")

	return cmd
}

// watchMetrics holds the process-level Prometheus registry for watch.
type watchMetrics struct {
	registry      *prometheus.Registry
	bundleReloads *prometheus.CounterVec
	configReloads *prometheus.CounterVec
}

func newWatchMetrics(tc *trust.TrustConfig) *watchMetrics {
	m := &watchMetrics{
		registry: prometheus.NewRegistry(),
		bundleReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustconf_bundle_reloads_total",
				Help: "Total number of CA bundle reload attempts by status",
			},
			[]string{"status"},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustconf_config_reloads_total",
				Help: "Total number of configuration changes applied by status",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		trust.NewTrustCollector(tc),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.bundleReloads,
		m.configReloads,
	)
	return m
}

func reloadStatus(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Handler serves /metrics and /healthz.
func (m *watchMetrics) Handler(tc *trust.TrustConfig) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = tc.View(func(v trust.View) error {
			if v.Closed {
				http.Error(w, "closed", http.StatusServiceUnavailable)
				return nil
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprintf(w, "ok mode=%s\n", v.Mode)
			return nil
		})
	})
	return mux
}

// debugState tracks the debug sink installed by watch so it can be closed
// when a configuration change replaces or disables it.
type debugState struct {
	settings config.DebugConfig
	close    func() error
}

func newDebugState() *debugState {
	return &debugState{close: func() error { return nil }}
}

// prepare opens the sink for next without installing it. It reports false
// when next needs no change.
func (d *debugState) prepare(next config.DebugConfig) (io.Writer, func() error, bool, error) {
	if next.Enabled == d.settings.Enabled && (!next.Enabled || next.Output == d.settings.Output) {
		return nil, nil, false, nil
	}
	if !next.Enabled {
		return nil, func() error { return nil }, true, nil
	}
	sink, closeSink, err := trust.OpenDebugSink(next.Output)
	if err != nil {
		return nil, nil, false, err
	}
	return sink, closeSink, true, nil
}

// install switches tc to a sink returned by prepare and closes the old one.
func (d *debugState) install(tc *trust.TrustConfig, next config.DebugConfig, sink io.Writer, closeSink func() error) {
	tc.EnableDebugLogging(sink)
	_ = d.close()
	d.close = closeSink
	d.settings = next
}

// apply prepares and installs next in one step.
func (d *debugState) apply(tc *trust.TrustConfig, next config.DebugConfig) error {
	sink, closeSink, changed, err := d.prepare(next)
	if err != nil || !changed {
		return err
	}
	d.install(tc, next, sink, closeSink)
	return nil
}

func (a *app) runWatch(ctx context.Context, cmd *cobra.Command, opts *watchOptions) error {
	cfg := a.cfg
	var updates <-chan *config.Config
	if a.configPath != "" {
		provider, err := config.NewFileProvider(a.configPath, a.logger)
		if err != nil {
			return err
		}
		defer func() { _ = provider.Close() }()
		cfg = provider.Current()
		updates = provider.Subscribe()
	}

	// The debug sink is owned here so that configuration changes can close it.
	debug := newDebugState()
	defer func() { _ = debug.close() }()

	initial := cfg.Trust
	initial.Debug = config.DebugConfig{}
	tc, closeTrust, err := trust.FromSettings(initial, trust.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeTrust(); err != nil {
			a.logger.Warn("Closing trust configuration failed", "error", err)
		}
	}()

	if err := debug.apply(tc, cfg.Trust.Debug); err != nil {
		return err
	}

	metrics := newWatchMetrics(tc)

	bundleWatcher, err := trust.WatchBundle(ctx, tc, cfg.Trust, trust.WithReloadHook(func(err error) {
		metrics.bundleReloads.WithLabelValues(reloadStatus(err)).Inc()
	}))
	if err != nil {
		return err
	}
	if bundleWatcher != nil {
		defer func() { _ = bundleWatcher.Close() }()
	}

	monitor := trust.NewChainMonitor(tc)
	monitor.SetCheckInterval(opts.checkInterval)
	monitor.SetWarningDays(opts.warningDays)
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = monitor.Stop() }()

	addr := cfg.Metrics.Address
	if opts.metricsAddr != "" {
		addr = opts.metricsAddr
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(tc),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	a.logger.Info("Watching trust configuration",
		"metrics_addr", addr,
		"bundle", cfg.Trust.Bundle.Path,
		"verify_mode", tc.Mode().String(),
		"config", a.configPath)
	fmt.Fprintf(cmd.OutOrStdout(), "serving metrics on %s\n", addr)

	applied := cfg.Trust

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err, ok := <-serveErr:
			if ok && err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			serveErr = nil
		case next, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			err := applyTrustUpdate(ctx, a.logger, tc, debug, applied, next.Trust)
			metrics.configReloads.WithLabelValues(reloadStatus(err)).Inc()
			if err != nil {
				a.logger.Error("Failed to apply configuration change", "error", err)
				continue
			}
			applied = next.Trust
		}
	}
}

// applyTrustUpdate moves tc from the prev settings towards next. Debug
// output and the bundle content follow the new settings; insecure mode can
// only be switched on. Every step that can fail runs before anything is
// changed, so a failed update leaves tc and debug as they were.
func applyTrustUpdate(ctx context.Context, logger *slog.Logger, tc *trust.TrustConfig, debug *debugState,
	prev, next config.TrustSettings,
) error {
	var bundle []byte
	if next.Bundle != prev.Bundle && next.Bundle.IsSet() {
		data, err := next.Bundle.Materialise()
		if err != nil {
			return trust.NewCertificateLoadError(next.Bundle.Path, err)
		}
		bundle = data
	}

	sink, closeSink, debugChanged, err := debug.prepare(next.Debug)
	if err != nil {
		return err
	}

	if bundle != nil {
		if err := tc.SetTrustedCertificates(bundle); err != nil {
			if debugChanged {
				_ = closeSink()
			}
			return err
		}
		if next.Bundle.Path != prev.Bundle.Path && prev.Watch {
			logger.Warn("Bundle path changed; the file watcher keeps following the old path until restart",
				"old", prev.Bundle.Path, "new", next.Bundle.Path)
		}
	}

	if debugChanged {
		debug.install(tc, next.Debug, sink, closeSink)
	}

	switch {
	case next.InsecureSkipVerify && !prev.InsecureSkipVerify:
		tc.SetInsecureMode()
	case !next.InsecureSkipVerify && tc.Mode() == trust.VerifyInsecureNoVerify:
		logger.WarnContext(ctx, "Insecure mode cannot be switched off at runtime; restart to verify peers again")
	}
	return nil
}
