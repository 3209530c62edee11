package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	errNoPeerCertificates = errors.New("peer presented no certificates")
	errNoServerName       = errors.New("no server name to verify the peer certificate against")
)

func (c *TrustConfig) newHandle() *tls.Config {
	cfg := &tls.Config{
		MinVersion: c.minVersion,
		// The built-in check is replaced by VerifyConnection, which reads the
		// chain and mode installed at handshake time.
		InsecureSkipVerify: true, //nolint:gosec
		VerifyConnection: func(cs tls.ConnectionState) error {
			return c.verify(context.Background(), cs)
		},
	}
	ApplySecureDefaults(cfg, GetSecurityDefaults())
	return cfg
}

// ClientConfig returns a copy of the handle bound to serverName. The handshake
// state leaves ServerName empty for IP literals, so sessions to IP addresses
// are verified against the bound name instead.
func (c *TrustConfig) ClientConfig(serverName string) *tls.Config {
	cfg := c.handle.Clone()
	cfg.ServerName = serverName
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if cs.ServerName == "" {
			cs.ServerName = serverName
		}
		return c.verify(context.Background(), cs)
	}
	return cfg
}

// Verify checks a handshake's peer certificates against the current trust
// state. It is what the handle runs for every session; failures are
// *TLSError values of type ErrorTypeCertificateChain.
func (c *TrustConfig) Verify(ctx context.Context, cs tls.ConnectionState) error {
	return c.verify(ctx, cs)
}

func (c *TrustConfig) verify(ctx context.Context, cs tls.ConnectionState) error {
	start := time.Now()
	s, done := c.acquire()
	defer done()

	ctx, span := c.tracer.Start(ctx, "tls.verify_peer", trace.WithAttributes(
		attribute.String("tls.server_name", cs.ServerName),
		attribute.String("tls.verify_mode", s.mode.String()),
		attribute.Int("tls.peer_certificates", len(cs.PeerCertificates)),
	))
	defer span.End()

	d := s.debug
	if d != nil {
		d.printf(0, "handshake with %q: version=%s cipher=%s peer_certificates=%d",
			cs.ServerName, versionName(cs.Version), tls.CipherSuiteName(cs.CipherSuite), len(cs.PeerCertificates))
		for i, cert := range cs.PeerCertificates {
			d.printf(0, "peer certificate depth=%d subject=%q issuer=%q not_after=%s",
				i, cert.Subject.String(), cert.Issuer.String(), cert.NotAfter.UTC().Format(time.RFC3339))
		}
	}

	err := c.verifySnapshot(s, cs)
	success := err == nil

	var leaf *x509.Certificate
	if len(cs.PeerCertificates) > 0 {
		leaf = cs.PeerCertificates[0]
	}

	switch {
	case success && s.mode == VerifyInsecureNoVerify:
		d.printf(0, "verification skipped: mode %s", s.mode)
		span.SetAttributes(attribute.String("tls.verify_outcome", "skipped"))
	case success:
		d.printf(0, "verification succeeded for %q", cs.ServerName)
		span.SetAttributes(attribute.String("tls.verify_outcome", "trusted"))
	default:
		d.printf(0, "verification failed for %q: %v", cs.ServerName, err)
		span.SetAttributes(attribute.String("tls.verify_outcome", "rejected"))
		span.RecordError(err)
		span.SetStatus(codes.Error, "peer certificate rejected")
	}

	c.logger.LogCertificateValidation(ctx, cs.ServerName, leaf, success, s.mode, err)
	if c.metrics != nil {
		c.metrics.RecordPeerVerification(ctx, s.mode, success, time.Since(start))
	}
	return err
}

func (c *TrustConfig) verifySnapshot(s *snapshot, cs tls.ConnectionState) error {
	if s.closed {
		return ErrClosed
	}
	if s.mode == VerifyInsecureNoVerify {
		return nil
	}
	if len(cs.PeerCertificates) == 0 {
		return NewTrustError(cs.ServerName, errNoPeerCertificates)
	}
	if cs.ServerName == "" {
		return NewTrustError(cs.ServerName, errNoServerName)
	}

	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	switch {
	case s.chain != nil:
		opts.Roots = s.chain.Pool()
	case !c.systemRoots:
		opts.Roots = x509.NewCertPool()
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}

	if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
		return NewTrustError(cs.ServerName, err)
	}
	return nil
}
