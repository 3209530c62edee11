package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	probeCounter          metric.Int64Counter
	probeLatencyHistogram metric.Float64Histogram
)

// ProbeOutcome classifies the result of a connectivity probe.
type ProbeOutcome string

const (
	ProbeTrusted   ProbeOutcome = "trusted"
	ProbeUnchecked ProbeOutcome = "unchecked"
	ProbeRejected  ProbeOutcome = "rejected"
	ProbeFailed    ProbeOutcome = "failed"
)

// ProbeMetrics captures the fields needed to record a probe.
type ProbeMetrics struct {
	Target      string
	Transport   string // tls or https
	VerifyMode  string
	TLSVersion  string
	CipherSuite string
	Outcome     ProbeOutcome
	Duration    time.Duration
}

// RecordProbeMetrics emits a counter and a latency histogram for one probe.
func RecordProbeMetrics(ctx context.Context, probe ProbeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("probe.target", probe.Target),
		attribute.String("probe.transport", probe.Transport),
		attribute.String("tls.verify_mode", probe.VerifyMode),
		attribute.String("probe.outcome", string(probe.Outcome)),
	}
	if probe.TLSVersion != "" {
		attrs = append(attrs, attribute.String("tls.protocol_version", probe.TLSVersion))
	}

	probeCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if probe.Duration > 0 {
		probeLatencyHistogram.Record(ctx, float64(probe.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("trustconf.probe")

		probeCounter, metricsInitErr = meter.Int64Counter(
			"trustconf.probe.total",
			metric.WithDescription("Connectivity probes partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		probeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"trustconf.probe.duration_ms",
			metric.WithDescription("Observed probe latency including the handshake"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordHandshakeEvent attaches the negotiated session parameters to span.
// Certificate contents are reduced to subjects and counts.
func RecordHandshakeEvent(span trace.Span, version, cipherSuite, serverName string, peerSubjects []string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tls.protocol_version", version),
		attribute.String("tls.cipher_suite", cipherSuite),
		attribute.String("tls.server_name", serverName),
		attribute.Int("tls.peer_certificates.count", len(peerSubjects)),
	}
	if len(peerSubjects) > 0 {
		attrs = append(attrs, attribute.String("tls.peer.subject", peerSubjects[0]))
	}

	span.AddEvent("tls.handshake", trace.WithAttributes(attrs...))
}
