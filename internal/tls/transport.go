package tls

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"google.golang.org/grpc/credentials"
)

// NewHTTPTransport returns an HTTP transport whose TLS sessions are verified
// by tc. Each connection is dialled through ClientConfig bound to serverName,
// or to the request host when serverName is empty. Trust changes apply to new
// connections without rebuilding the transport.
func NewHTTPTransport(tc *TrustConfig, serverName string) *http.Transport {
	defaults := GetTransportDefaults()
	dialer := &net.Dialer{
		Timeout:   defaults.HandshakeTimeout * 3,
		KeepAlive: defaults.IdleConnTimeout / 3,
	}

	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		DialContext:     dialer.DialContext,
		TLSClientConfig: tc.ConfigHandle(),
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			name := serverName
			if name == "" {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				name = host
			}
			cfg := tc.ClientConfig(name)
			cfg.NextProtos = []string{"h2", "http/1.1"}
			d := &tls.Dialer{NetDialer: dialer, Config: cfg}
			return d.DialContext(ctx, network, addr)
		},
		TLSHandshakeTimeout: defaults.HandshakeTimeout,
		MaxIdleConns:        defaults.MaxIdleConns,
		MaxIdleConnsPerHost: defaults.MaxIdleConnsPerHost,
		IdleConnTimeout:     defaults.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
}

// TransportCredentials returns gRPC client credentials backed by tc. An empty
// serverName verifies against the dialled authority.
func TransportCredentials(tc *TrustConfig, serverName string) credentials.TransportCredentials {
	if serverName == "" {
		return credentials.NewTLS(tc.ConfigHandle())
	}
	return credentials.NewTLS(tc.ClientConfig(serverName))
}
