package tls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTrustConfig(t *testing.T, opts ...Option) *TrustConfig {
	t.Helper()
	tc := New(append([]Option{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() { _ = tc.Close() })
	return tc
}

func newTestPKI(t *testing.T, names ...string) *TestPKI {
	t.Helper()
	if len(names) == 0 {
		names = []string{"localhost", "127.0.0.1"}
	}
	pki, err := GenerateTestPKI(KeyTypeECDSA, names...)
	require.NoError(t, err)
	return pki
}

func toDER(certs ...*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range certs {
		buf.Write(cert.Raw)
	}
	return buf.Bytes()
}

// startTLSServer accepts handshakes on a loopback listener, presenting
// chain. It returns the listener address.
func startTLSServer(t *testing.T, chain ...*GeneratedCertificate) string {
	t.Helper()
	require.NotEmpty(t, chain)

	leaf, err := chain[0].TLSCertificate()
	require.NoError(t, err)
	for _, extra := range chain[1:] {
		leaf.Certificate = append(leaf.Certificate, extra.Certificate.Raw)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{leaf},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2"},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_ = c.SetDeadline(time.Now().Add(5 * time.Second))
				if err := c.(*tls.Conn).Handshake(); err != nil {
					return
				}
				_, _ = c.Write([]byte("ok"))
			}(conn)
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return ln.Addr().String()
}

// dial handshakes with addr through tc's handle, verifying serverName.
func dial(tc *TrustConfig, addr, serverName string) error {
	cfg := tc.ConfigHandle().Clone()
	cfg.ServerName = serverName
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", addr, cfg)
	if err != nil {
		return err
	}
	return conn.Close()
}

// flushBuffer records how often Flush was called.
type flushBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushes int
}

func (f *flushBuffer) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *flushBuffer) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *flushBuffer) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func (f *flushBuffer) Flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

var errFailingWriter = errors.New("sink unavailable")

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errFailingWriter }
