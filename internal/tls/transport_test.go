package tls

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTPSServer(t *testing.T, pki *TestPKI) *httptest.Server {
	t.Helper()
	cert, err := pki.Server.TLSCertificate()
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPTransportVerifiesWithTrustConfig(t *testing.T) {
	served := newTestPKI(t)
	other := newTestPKI(t)
	srv := newHTTPSServer(t, served)

	tc := newTestTrustConfig(t, WithSystemRoots(false))
	require.NoError(t, tc.SetTrustedCertificates(other.CA.CertPEM))

	transport := NewHTTPTransport(tc, "")
	t.Cleanup(transport.CloseIdleConnections)
	assert.Same(t, tc.ConfigHandle(), transport.TLSClientConfig)
	client := &http.Client{Transport: transport, Timeout: 5 * time.Second}

	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.True(t, IsTrustError(err), "got %v", err)

	// The same transport picks up the replaced chain.
	require.NoError(t, tc.SetTrustedCertificates(served.CA.CertPEM))
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	require.NotNil(t, resp.TLS)
	assert.True(t, resp.TLS.PeerCertificates[0].Equal(served.Server.Certificate))
}

func TestHTTPTransportServerNameOverride(t *testing.T) {
	pki := newTestPKI(t, "api.internal")
	srv := newHTTPSServer(t, pki)

	tc := newTestTrustConfig(t, WithSystemRoots(false))
	require.NoError(t, tc.SetTrustedCertificates(pki.CA.CertPEM))

	_, err := (&http.Client{Transport: NewHTTPTransport(tc, "")}).Get(srv.URL)
	require.Error(t, err, "certificate does not cover 127.0.0.1")

	resp, err := (&http.Client{Transport: NewHTTPTransport(tc, "api.internal")}).Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
}

func TestTransportCredentials(t *testing.T) {
	served := newTestPKI(t)
	other := newTestPKI(t)
	addr := startTLSServer(t, served.Server)

	tc := newTestTrustConfig(t, WithSystemRoots(false))
	require.NoError(t, tc.SetTrustedCertificates(other.CA.CertPEM))

	creds := TransportCredentials(tc, "")
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	authority := net.JoinHostPort("localhost", port)

	handshake := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		raw, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		conn, _, err := creds.ClientHandshake(ctx, authority, raw)
		if err != nil {
			_ = raw.Close()
			return err
		}
		return conn.Close()
	}

	err = handshake()
	require.Error(t, err)
	assert.True(t, IsTrustError(err), "got %v", err)

	require.NoError(t, tc.SetTrustedCertificates(served.CA.CertPEM))
	assert.NoError(t, handshake())

	bound := TransportCredentials(tc, "127.0.0.1")
	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn, _, err := bound.ClientHandshake(context.Background(), addr, raw)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}
