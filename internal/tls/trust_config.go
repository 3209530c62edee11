package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// VerifyMode is the peer verification policy of a TrustConfig.
type VerifyMode int

const (
	// VerifyStrict validates the peer chain and host name on every handshake.
	VerifyStrict VerifyMode = iota
	// VerifyInsecureNoVerify accepts any peer certificate.
	VerifyInsecureNoVerify
)

func (m VerifyMode) String() string {
	switch m {
	case VerifyStrict:
		return "strict"
	case VerifyInsecureNoVerify:
		return "insecure_no_verify"
	default:
		return "unknown"
	}
}

// snapshot is the immutable state published to readers.
type snapshot struct {
	mode   VerifyMode
	chain  *CertificateChain
	debug  *debugSink
	closed bool
}

// View is a read-only, borrowed snapshot of a TrustConfig. Chain stays valid
// until the callback passed to TrustConfig.View returns.
type View struct {
	Mode   VerifyMode
	Chain  *CertificateChain
	Debug  bool
	Closed bool
}

// TrustConfig owns the trusted CA chain, verification policy and debug sink
// consulted by outbound TLS sessions.
//
// Readers never block: handshakes load the current snapshot atomically and
// borrow its chain. Writers are serialised and publish a new snapshot before
// dropping their reference on the replaced chain.
type TrustConfig struct {
	mu    sync.Mutex
	state atomic.Pointer[snapshot]

	handle *tls.Config

	logger          *TLSLogger
	metrics         *TLSMetricsCollector
	tracer          trace.Tracer
	minVersion      uint16
	systemRoots     bool
	maxBundleSize   int
	maxCertificates int
}

// Option configures a TrustConfig.
type Option func(*TrustConfig)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *TrustConfig) { c.logger = NewTLSLogger(logger) }
}

// WithMetrics sets the metrics collector. Without it the process-wide
// collector is used when it can be created.
func WithMetrics(metrics *TLSMetricsCollector) Option {
	return func(c *TrustConfig) { c.metrics = metrics }
}

// WithTracer sets the tracer used for verification spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *TrustConfig) { c.tracer = tracer }
}

// WithMinVersion sets the minimum protocol version offered by the handle.
// Versions below TLS 1.2 are raised to TLS 1.2.
func WithMinVersion(version uint16) Option {
	return func(c *TrustConfig) { c.minVersion = version }
}

// WithSystemRoots controls whether the platform roots are trusted while no
// custom chain is installed. Enabled by default.
func WithSystemRoots(enabled bool) Option {
	return func(c *TrustConfig) { c.systemRoots = enabled }
}

// WithMaxBundleSize caps the CA buffer size accepted by SetTrustedCertificates.
func WithMaxBundleSize(n int) Option {
	return func(c *TrustConfig) {
		if n > 0 {
			c.maxBundleSize = n
		}
	}
}

// WithMaxCertificates caps the number of certificates in one chain.
func WithMaxCertificates(n int) Option {
	return func(c *TrustConfig) {
		if n > 0 {
			c.maxCertificates = n
		}
	}
}

// New creates a TrustConfig in strict mode with no custom chain.
func New(opts ...Option) *TrustConfig {
	c := &TrustConfig{
		logger:          NewTLSLogger(nil),
		minVersion:      tls.VersionTLS12,
		systemRoots:     true,
		maxBundleSize:   DefaultMaxBundleSize,
		maxCertificates: DefaultMaxCertificates,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		// Metrics are optional; a nil collector disables recording.
		c.metrics, _ = GetTLSMetricsCollector(c.logger.Logger())
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("trustconf.tls")
	}

	c.state.Store(&snapshot{mode: VerifyStrict})
	c.handle = c.newHandle()
	return c
}

// SetInsecureMode disables peer certificate validation for every subsequent
// handshake made through the handle. The switch latches: there is no way
// back to strict mode on the same TrustConfig.
func (c *TrustConfig) SetInsecureMode() {
	c.mu.Lock()
	cur := c.state.Load()
	if cur.closed || cur.mode == VerifyInsecureNoVerify {
		c.mu.Unlock()
		return
	}
	next := *cur
	next.mode = VerifyInsecureNoVerify
	c.state.Store(&next)
	c.mu.Unlock()

	ctx := context.Background()
	next.debug.printf(0, "verify mode set to %s", next.mode)
	c.logger.LogSecurityEvent(ctx, "insecure_mode_enabled",
		"peer certificate verification disabled for all subsequent handshakes", "medium")
	if c.metrics != nil {
		c.metrics.RecordInsecureModeEnabled(ctx)
	}
}

// SetTrustedCertificates parses buf (PEM or DER, one or more certificates)
// and installs it as the trusted chain, replacing any previous chain.
//
// On error nothing changes. The error is a *CertificateParseError,
// an *AllocationError or ErrClosed.
func (c *TrustConfig) SetTrustedCertificates(buf []byte) error {
	ctx := context.Background()

	if c.state.Load().closed {
		return ErrClosed
	}

	chain, err := ParseCertificateChain(buf, WithParseLimits(c.maxBundleSize, c.maxCertificates))
	if err != nil {
		c.recordInstallFailure(ctx, err)
		return err
	}

	c.mu.Lock()
	old := c.state.Load()
	if old.closed {
		c.mu.Unlock()
		chain.release()
		return ErrClosed
	}
	next := *old
	next.chain = chain
	c.state.Store(&next)
	c.mu.Unlock()

	var replacedID string
	if old.chain != nil {
		replacedID = old.chain.ID()
		old.chain.release()
	}

	next.debug.printf(0, "installed CA chain %s: %d certificate(s), sha256=%s",
		chain.ID(), chain.Len(), chain.Fingerprint())
	c.logger.LogChainInstalled(ctx, chain, replacedID)
	if c.metrics != nil {
		c.metrics.RecordChainInstall(ctx, true, chain.Len())
		if expiry, ok := chain.EarliestExpiry(); ok {
			c.metrics.RecordChainExpiry(ctx, chain.ID(), expiry)
		}
	}
	return nil
}

func (c *TrustConfig) recordInstallFailure(ctx context.Context, err error) {
	c.state.Load().debug.printf(1, "rejected CA buffer: %v", err)
	c.logger.LogConfigurationChange(ctx, "trusted_certificates", "install CA chain", false, err)
	if c.metrics == nil {
		return
	}
	var parseErr *CertificateParseError
	if errors.As(err, &parseErr) {
		c.metrics.RecordParseError(ctx, parseErr.Code.String())
	}
	c.metrics.RecordChainInstall(ctx, false, 0)
}

// ConfigHandle returns the session configuration used for outbound
// handshakes. The pointer is owned by the TrustConfig and stays valid for
// its whole life; it always reflects the current chain and mode. Callers
// must Clone it before changing any field.
func (c *TrustConfig) ConfigHandle() *tls.Config {
	return c.handle
}

// EnableDebugLogging writes TLS diagnostics to sink as
// "<file>:<line>: <message>" lines, flushing after each one. A later call
// replaces the sink; nil turns diagnostics off. The sink is not closed by
// the TrustConfig.
func (c *TrustConfig) EnableDebugLogging(sink io.Writer) {
	c.mu.Lock()
	cur := c.state.Load()
	if cur.closed {
		c.mu.Unlock()
		return
	}
	next := *cur
	next.debug = newDebugSink(sink)
	c.state.Store(&next)
	c.mu.Unlock()

	next.debug.printf(0, "debug logging enabled, verify mode %s", next.mode)
	description := "debug logging enabled"
	if sink == nil {
		description = "debug logging disabled"
	}
	c.logger.LogConfigurationChange(context.Background(), "debug_sink", description, true, nil)
}

// Mode returns the current verification mode.
func (c *TrustConfig) Mode() VerifyMode {
	return c.state.Load().mode
}

// View calls fn with the current snapshot. The chain in the view cannot be
// released while fn runs, even if it is replaced concurrently.
func (c *TrustConfig) View(fn func(View) error) error {
	s, done := c.acquire()
	defer done()
	return fn(View{
		Mode:   s.mode,
		Chain:  s.chain,
		Debug:  s.debug != nil,
		Closed: s.closed,
	})
}

// Close releases the owned chain. Later mutations return ErrClosed and
// handshakes through the handle fail. Close is idempotent.
func (c *TrustConfig) Close() error {
	c.mu.Lock()
	cur := c.state.Load()
	if cur.closed {
		c.mu.Unlock()
		return nil
	}
	c.state.Store(&snapshot{mode: cur.mode, closed: true})
	c.mu.Unlock()

	if cur.chain != nil {
		cur.chain.release()
	}
	c.logger.LogConfigurationChange(context.Background(), "lifecycle", "trust configuration closed", true, nil)
	return nil
}

// acquire loads the current snapshot and takes a reference on its chain.
// A failed retain means a writer has already published a newer snapshot,
// so the load is retried.
func (c *TrustConfig) acquire() (*snapshot, func()) {
	for {
		s := c.state.Load()
		if s.chain == nil {
			return s, func() {}
		}
		if s.chain.retain() {
			return s, s.chain.release
		}
	}
}
