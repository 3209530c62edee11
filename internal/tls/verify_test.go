package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestHandshakeWithTrustedChain(t *testing.T) {
	pki := newTestPKI(t)
	addr := startTLSServer(t, pki.Server)

	tc := newTestTrustConfig(t, WithSystemRoots(false))
	require.NoError(t, tc.SetTrustedCertificates(pki.CA.CertPEM))

	assert.NoError(t, dial(tc, addr, "localhost"))
}

func TestClientConfigVerifiesIPTargets(t *testing.T) {
	pki := newTestPKI(t)
	addr := startTLSServer(t, pki.Server)

	tc := newTestTrustConfig(t, WithSystemRoots(false))
	require.NoError(t, tc.SetTrustedCertificates(pki.CA.CertPEM))

	// The shared handle sees no server name for an IP literal.
	err := dial(tc, addr, "127.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoServerName)

	cfg := tc.ClientConfig("127.0.0.1")
	assert.Equal(t, "127.0.0.1", cfg.ServerName)
	assert.NotSame(t, tc.ConfigHandle(), cfg)
	conn, err := tls.Dial("tcp", addr, cfg)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = tls.Dial("tcp", addr, tc.ClientConfig("10.0.0.1"))
	require.Error(t, err)
	assert.True(t, IsTrustError(err))
}

func TestHandshakeRejectsUnknownAuthority(t *testing.T) {
	served := newTestPKI(t)
	other := newTestPKI(t)
	addr := startTLSServer(t, served.Server)

	tc := newTestTrustConfig(t)
	require.NoError(t, tc.SetTrustedCertificates(other.CA.CertPEM))

	err := dial(tc, addr, "localhost")
	require.Error(t, err)
	assert.True(t, IsTrustError(err), "got %v", err)

	var unknown x509.UnknownAuthorityError
	assert.ErrorAs(t, err, &unknown)
	assert.Contains(t, GetRecoverySuggestions(err)[0], "Install the issuing CA")
}

func TestHandshakeRejectsHostnameMismatch(t *testing.T) {
	pki := newTestPKI(t, "service.internal")
	addr := startTLSServer(t, pki.Server)

	tc := newTestTrustConfig(t)
	require.NoError(t, tc.SetTrustedCertificates(pki.CA.CertPEM))

	err := dial(tc, addr, "other.internal")
	require.Error(t, err)
	var hostErr x509.HostnameError
	assert.ErrorAs(t, err, &hostErr)

	assert.NoError(t, dial(tc, addr, "service.internal"))
}

func TestHandshakeUsesPeerIntermediates(t *testing.T) {
	root, err := GenerateCertificate(CertificateGenerationOptions{CommonName: "root", IsCA: true, KeyType: KeyTypeECDSA})
	require.NoError(t, err)
	intermediate, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName: "intermediate", IsCA: true, KeyType: KeyTypeECDSA,
		ParentCert: root.Certificate, ParentKey: root.Key,
	})
	require.NoError(t, err)
	leaf, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName: "localhost", DNSNames: []string{"localhost"}, KeyType: KeyTypeECDSA,
		ParentCert: intermediate.Certificate, ParentKey: intermediate.Key,
	})
	require.NoError(t, err)

	addr := startTLSServer(t, leaf, intermediate)

	tc := newTestTrustConfig(t)
	require.NoError(t, tc.SetTrustedCertificates(root.CertPEM))
	assert.NoError(t, dial(tc, addr, "localhost"))
}

func TestHandshakeWithoutChainAndSystemRootsDisabled(t *testing.T) {
	pki := newTestPKI(t)
	addr := startTLSServer(t, pki.Server)

	tc := newTestTrustConfig(t, WithSystemRoots(false))
	err := dial(tc, addr, "localhost")
	require.Error(t, err)
	assert.True(t, IsTrustError(err))
}

func TestInsecureModeSkipsVerification(t *testing.T) {
	pki := newTestPKI(t)
	addr := startTLSServer(t, pki.Server)

	tc := newTestTrustConfig(t, WithSystemRoots(false))
	require.Error(t, dial(tc, addr, "wrong.example"))

	tc.SetInsecureMode()
	assert.NoError(t, dial(tc, addr, "wrong.example"))
}

func TestChainReplacementAppliesToNextHandshake(t *testing.T) {
	first := newTestPKI(t)
	second := newTestPKI(t)
	addrFirst := startTLSServer(t, first.Server)
	addrSecond := startTLSServer(t, second.Server)

	tc := newTestTrustConfig(t)
	require.NoError(t, tc.SetTrustedCertificates(first.CA.CertPEM))
	require.NoError(t, dial(tc, addrFirst, "localhost"))
	require.Error(t, dial(tc, addrSecond, "localhost"))

	require.NoError(t, tc.SetTrustedCertificates(second.CA.CertPEM))
	assert.Error(t, dial(tc, addrFirst, "localhost"))
	assert.NoError(t, dial(tc, addrSecond, "localhost"))
}

func TestVerifyRequiresServerName(t *testing.T) {
	pki := newTestPKI(t)
	tc := newTestTrustConfig(t)
	require.NoError(t, tc.SetTrustedCertificates(pki.CA.CertPEM))

	state := tls.ConnectionState{PeerCertificates: []*x509.Certificate{pki.Server.Certificate}}
	err := tc.Verify(context.Background(), state)
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoServerName)

	err = tc.Verify(context.Background(), tls.ConnectionState{ServerName: "localhost"})
	assert.ErrorIs(t, err, errNoPeerCertificates)

	state.ServerName = "localhost"
	assert.NoError(t, tc.Verify(context.Background(), state))
}

var debugLine = regexp.MustCompile(`^[^\s:]+\.go:\d+: \S`)

func TestDebugLoggingFormatAndFlush(t *testing.T) {
	pki := newTestPKI(t)
	addr := startTLSServer(t, pki.Server)

	sink := &flushBuffer{}
	tc := newTestTrustConfig(t)
	tc.EnableDebugLogging(sink)
	require.NoError(t, tc.SetTrustedCertificates(pki.CA.CertPEM))
	require.NoError(t, dial(tc, addr, "localhost"))

	out := sink.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Regexp(t, debugLine, line)
	}
	assert.Equal(t, len(lines), sink.Flushes(), "every line is flushed")

	assert.Contains(t, out, "trust_config.go:")
	assert.Contains(t, out, "installed CA chain")
	assert.Contains(t, out, "peer certificate depth=0")
	assert.Contains(t, out, `verification succeeded for "localhost"`)

	require.NoError(t, tc.View(func(v View) error {
		assert.True(t, v.Debug)
		return nil
	}))
}

func TestDebugLoggingReportsRejections(t *testing.T) {
	sink := &flushBuffer{}
	tc := newTestTrustConfig(t)
	tc.EnableDebugLogging(sink)

	require.Error(t, tc.SetTrustedCertificates([]byte("nope")))
	assert.Contains(t, sink.String(), "rejected CA buffer: failed to load CA certificates: 0x04")

	served := newTestPKI(t)
	addr := startTLSServer(t, served.Server)
	require.NoError(t, tc.SetTrustedCertificates(newTestPKI(t).CA.CertPEM))
	require.Error(t, dial(tc, addr, "localhost"))
	assert.Contains(t, sink.String(), `verification failed for "localhost"`)
}

func TestDebugLoggingCanBeReplacedAndDisabled(t *testing.T) {
	first := &flushBuffer{}
	second := &flushBuffer{}
	tc := newTestTrustConfig(t)

	tc.EnableDebugLogging(first)
	tc.EnableDebugLogging(second)
	tc.SetInsecureMode()
	assert.NotContains(t, first.String(), "verify mode set")
	assert.Contains(t, second.String(), "verify mode set to insecure_no_verify")

	tc.EnableDebugLogging(nil)
	before := second.String()
	require.NoError(t, tc.SetTrustedCertificates(newTestPKI(t).CA.CertPEM))
	assert.Equal(t, before, second.String())
}

func TestDebugSinkErrorsAreIgnored(t *testing.T) {
	pki := newTestPKI(t)
	addr := startTLSServer(t, pki.Server)

	tc := newTestTrustConfig(t)
	tc.EnableDebugLogging(failingWriter{})
	require.NoError(t, tc.SetTrustedCertificates(pki.CA.CertPEM))
	assert.NoError(t, dial(tc, addr, "localhost"))
}

func TestVerifySpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	pki := newTestPKI(t)
	tc := newTestTrustConfig(t, WithTracer(tp.Tracer("test")))
	require.NoError(t, tc.SetTrustedCertificates(pki.CA.CertPEM))

	state := tls.ConnectionState{
		ServerName:       "localhost",
		Version:          tls.VersionTLS13,
		PeerCertificates: []*x509.Certificate{pki.Server.Certificate},
	}
	require.NoError(t, tc.Verify(context.Background(), state))
	state.ServerName = "elsewhere"
	require.Error(t, tc.Verify(context.Background(), state))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	outcomes := []string{}
	for _, span := range spans {
		assert.Equal(t, "tls.verify_peer", span.Name())
		for _, attr := range span.Attributes() {
			if attr.Key == "tls.verify_outcome" {
				outcomes = append(outcomes, attr.Value.AsString())
			}
		}
	}
	assert.Equal(t, []string{"trusted", "rejected"}, outcomes)
	assert.NotEmpty(t, spans[1].Events(), "rejection is recorded as an error event")
}

func TestCertificateExpiredPeerIsRejected(t *testing.T) {
	ca, err := GenerateCertificate(CertificateGenerationOptions{CommonName: "ca", IsCA: true, KeyType: KeyTypeECDSA})
	require.NoError(t, err)
	expired, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName: "localhost", DNSNames: []string{"localhost"}, KeyType: KeyTypeECDSA,
		NotBefore: time.Now().Add(-48 * time.Hour), ValidFor: time.Hour,
		ParentCert: ca.Certificate, ParentKey: ca.Key,
	})
	require.NoError(t, err)

	tc := newTestTrustConfig(t)
	require.NoError(t, tc.SetTrustedCertificates(ca.CertPEM))

	err = tc.Verify(context.Background(), tls.ConnectionState{
		ServerName:       "localhost",
		PeerCertificates: []*x509.Certificate{expired.Certificate},
	})
	var invalid x509.CertificateInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, x509.Expired, invalid.Reason)
}
