package tls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	metricsInitErr error
	tlsMetricsInst *TLSMetricsCollector
)

// TLSMetricsCollector records trust configuration events as OpenTelemetry metrics
type TLSMetricsCollector struct {
	// Verification metrics
	peerVerifications    metric.Int64Counter
	verificationDuration metric.Float64Histogram

	// Trust configuration metrics
	chainInstalls       metric.Int64Counter
	parseErrors         metric.Int64Counter
	insecureModeEnabled metric.Int64Counter
	bundleReloads       metric.Int64Counter
	chainExpiry         metric.Float64Gauge

	logger *slog.Logger
}

// GetTLSMetricsCollector returns the singleton TLS metrics collector
func GetTLSMetricsCollector(logger *slog.Logger) (*TLSMetricsCollector, error) {
	metricsOnce.Do(func() {
		tlsMetricsInst, metricsInitErr = newTLSMetricsCollector(logger)
	})
	return tlsMetricsInst, metricsInitErr
}

func newTLSMetricsCollector(logger *slog.Logger) (*TLSMetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.GetMeterProvider().Meter("trustconf.tls")

	collector := &TLSMetricsCollector{
		logger: logger,
	}

	var err error

	collector.peerVerifications, err = meter.Int64Counter(
		"tls_peer_verifications_total",
		metric.WithDescription("Total number of peer certificate verifications by outcome and mode"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, err
	}

	collector.verificationDuration, err = meter.Float64Histogram(
		"tls_verification_duration_seconds",
		metric.WithDescription("Peer certificate verification duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.chainInstalls, err = meter.Int64Counter(
		"tls_chain_installs_total",
		metric.WithDescription("Total number of attempts to install a trusted certificate chain"),
		metric.WithUnit("{install}"),
	)
	if err != nil {
		return nil, err
	}

	collector.parseErrors, err = meter.Int64Counter(
		"tls_certificate_parse_errors_total",
		metric.WithDescription("Total number of rejected CA buffers by parse error code"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.insecureModeEnabled, err = meter.Int64Counter(
		"tls_insecure_mode_enabled_total",
		metric.WithDescription("Number of trust configurations switched to insecure no-verify mode"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	collector.bundleReloads, err = meter.Int64Counter(
		"tls_bundle_reloads_total",
		metric.WithDescription("Total number of CA bundle reloads triggered by file changes"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, err
	}

	collector.chainExpiry, err = meter.Float64Gauge(
		"tls_trusted_chain_expiry_timestamp",
		metric.WithDescription("Earliest expiry of the installed trusted chain in Unix seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordPeerVerification records the outcome of one handshake verification
func (c *TLSMetricsCollector) RecordPeerVerification(ctx context.Context, mode VerifyMode, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("mode", mode.String()),
		attribute.String("outcome", outcome(success)),
	}

	c.peerVerifications.Add(ctx, 1, metric.WithAttributes(attrs...))
	if duration > 0 {
		c.verificationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordChainInstall records an attempt to install a trusted chain
func (c *TLSMetricsCollector) RecordChainInstall(ctx context.Context, success bool, certCount int) {
	c.chainInstalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome(success)),
	))

	c.logger.Debug("Trusted chain install recorded",
		"success", success,
		"certificate_count", certCount)
}

// RecordParseError records a rejected CA buffer
func (c *TLSMetricsCollector) RecordParseError(ctx context.Context, code string) {
	c.parseErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", code),
	))
}

// RecordInsecureModeEnabled records the switch to insecure no-verify mode
func (c *TLSMetricsCollector) RecordInsecureModeEnabled(ctx context.Context) {
	c.insecureModeEnabled.Add(ctx, 1)
}

// RecordBundleReload records a file-triggered bundle reload
func (c *TLSMetricsCollector) RecordBundleReload(ctx context.Context, path string, success bool) {
	c.bundleReloads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("outcome", outcome(success)),
	))
}

// RecordChainExpiry records the earliest expiry of the installed chain
func (c *TLSMetricsCollector) RecordChainExpiry(ctx context.Context, chainID string, expiryTime time.Time) {
	c.chainExpiry.Record(ctx, float64(expiryTime.Unix()), metric.WithAttributes(
		attribute.String("chain_id", chainID),
	))
}
