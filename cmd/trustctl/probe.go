package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/polisai/trustconf/internal/retry"
	trust "github.com/polisai/trustconf/internal/tls"
	"github.com/polisai/trustconf/pkg/config"
	"github.com/polisai/trustconf/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type probeOptions struct {
	caFile     string
	caSHA256   string
	insecure   bool
	debug      bool
	timeout    time.Duration
	useHTTP    bool
	serverName string
	retries    int
	backoff    time.Duration
}

func newProbeCmd(a *app) *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Handshake with an endpoint using the trust configuration",
		Long: `Connect to host:port with the configured trust settings and report the
negotiated session and the peer certificate chain.

Example:
  trustctl probe example.com:443 --ca-file corp-roots.pem --debug`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runProbe(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.caFile, "ca-file", "", "CA bundle (PEM or DER) to trust instead of the configured one")
	cmd.Flags().StringVar(&opts.caSHA256, "ca-sha256", "", "Expected SHA-256 of the CA bundle")
	cmd.Flags().BoolVar(&opts.insecure, "insecure", false, "Skip peer certificate verification")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Write TLS diagnostics to stderr")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Connection timeout")
	cmd.Flags().BoolVar(&opts.useHTTP, "http", false, "Perform an HTTPS GET instead of a bare handshake")
	cmd.Flags().StringVar(&opts.serverName, "server-name", "", "Server name to verify (defaults to the host)")
	cmd.Flags().IntVar(&opts.retries, "retries", 0, "Retry transient connection failures this many times")
	cmd.Flags().DurationVar(&opts.backoff, "retry-backoff", 200*time.Millisecond, "Initial delay between retries")

	return cmd
}

// settings applies the probe flags on top of the loaded trust settings.
func (o *probeOptions) settings(base config.TrustSettings) config.TrustSettings {
	s := base
	s.Watch = false
	if o.caFile != "" {
		s.Bundle = config.TrustBundle{Name: o.caFile, Path: o.caFile, SHA256: o.caSHA256}
	} else if o.caSHA256 != "" {
		s.Bundle.SHA256 = o.caSHA256
	}
	if o.insecure {
		s.InsecureSkipVerify = true
	}
	if o.debug {
		s.Debug = config.DebugConfig{Enabled: true, Output: "stderr"}
	}
	return s
}

func (a *app) runProbe(cmd *cobra.Command, target string, opts *probeOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	host, _, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("invalid target %q: %w", target, err)
	}

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       a.cfg.Telemetry.OTLPEndpoint,
		Insecure:       a.cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			a.logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	tc, closeTrust, err := trust.FromSettings(opts.settings(a.cfg.Trust), trust.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer func() { _ = closeTrust() }()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	transport := "tls"
	if opts.useHTTP {
		transport = "https"
	}

	ctx, span := otel.Tracer("trustconf.trustctl").Start(ctx, "trustctl.probe", trace.WithAttributes(
		attribute.String("probe.target", target),
		attribute.String("probe.transport", transport),
	))
	defer span.End()

	policy := retry.NewPolicy(retry.Config{
		MaxRetries:     opts.retries,
		InitialBackoff: opts.backoff,
		Jitter:         true,
		Retryable: func(err error) bool {
			return !trust.IsTrustError(err) && retry.IsRetryableError(err)
		},
	})

	start := time.Now()
	var state *tls.ConnectionState
	err = policy.Do(ctx, func(ctx context.Context) error {
		var attemptErr error
		if opts.useHTTP {
			state, attemptErr = probeHTTP(ctx, tc, target, opts.serverName)
		} else {
			state, attemptErr = probeTLS(ctx, tc, target, serverNameOr(opts.serverName, host))
		}
		return attemptErr
	}, func(attempt int, err error) {
		a.logger.Warn("Probe attempt failed, retrying", "target", target, "attempt", attempt, "error", err)
		span.AddEvent("probe.retry", trace.WithAttributes(attribute.Int("probe.attempt", attempt)))
	})
	duration := time.Since(start)

	probe := telemetry.ProbeMetrics{
		Target:     target,
		Transport:  transport,
		VerifyMode: tc.Mode().String(),
		Duration:   duration,
	}

	switch {
	case err != nil && trust.IsTrustError(err):
		probe.Outcome = telemetry.ProbeRejected
	case err != nil:
		probe.Outcome = telemetry.ProbeFailed
	case tc.Mode() == trust.VerifyInsecureNoVerify:
		probe.Outcome = telemetry.ProbeUnchecked
	default:
		probe.Outcome = telemetry.ProbeTrusted
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe failed")
		telemetry.RecordProbeMetrics(ctx, probe)
		a.logger.Error("Probe failed", "target", target, "outcome", probe.Outcome, "error", err)
		for _, suggestion := range trust.GetRecoverySuggestions(err) {
			fmt.Fprintf(cmd.ErrOrStderr(), "hint: %s\n", suggestion)
		}
		return err
	}

	serverName := serverNameOr(state.ServerName, host)
	probe.TLSVersion = tls.VersionName(state.Version)
	probe.CipherSuite = tls.CipherSuiteName(state.CipherSuite)
	telemetry.RecordProbeMetrics(ctx, probe)

	subjects := make([]string, 0, len(state.PeerCertificates))
	for _, cert := range state.PeerCertificates {
		subjects = append(subjects, cert.Subject.String())
	}
	telemetry.RecordHandshakeEvent(span, probe.TLSVersion, probe.CipherSuite, serverName, subjects)

	printProbe(cmd.OutOrStdout(), target, probe, state)
	return nil
}

func probeTLS(ctx context.Context, tc *trust.TrustConfig, target, serverName string) (*tls.ConnectionState, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: trust.GetTransportDefaults().HandshakeTimeout},
		Config:    tc.ClientConfig(serverName),
	}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, unwrapVerifyError(err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	return &state, nil
}

func probeHTTP(ctx context.Context, tc *trust.TrustConfig, target, serverName string) (*tls.ConnectionState, error) {
	base := trust.NewHTTPTransport(tc, serverName)
	client := &http.Client{Transport: otelhttp.NewTransport(base)}
	defer base.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+target+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, unwrapVerifyError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.TLS == nil {
		return nil, fmt.Errorf("response from %s carried no TLS state", target)
	}
	return resp.TLS, nil
}

func serverNameOr(serverName, host string) string {
	if serverName != "" {
		return serverName
	}
	return host
}

// unwrapVerifyError surfaces the trust error produced by VerifyConnection
// from the net and url error wrappers around it.
func unwrapVerifyError(err error) error {
	if tlsErr := trust.AsTLSError(err); tlsErr != nil {
		return tlsErr
	}
	return err
}

func printProbe(w io.Writer, target string, probe telemetry.ProbeMetrics, state *tls.ConnectionState) {
	fmt.Fprintf(w, "target:       %s\n", target)
	fmt.Fprintf(w, "verify mode:  %s\n", probe.VerifyMode)
	fmt.Fprintf(w, "outcome:      %s\n", probe.Outcome)
	fmt.Fprintf(w, "version:      %s\n", probe.TLSVersion)
	fmt.Fprintf(w, "cipher suite: %s\n", probe.CipherSuite)
	fmt.Fprintf(w, "duration:     %s\n", probe.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "peer chain:\n")
	for i, cert := range state.PeerCertificates {
		fmt.Fprintf(w, "  %d: %s\n", i, cert.Subject)
		fmt.Fprintf(w, "     issuer:    %s\n", cert.Issuer)
		fmt.Fprintf(w, "     not after: %s\n", cert.NotAfter.UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "     sha256:    %s\n", trust.GetCertificateFingerprint(cert))
	}
}
