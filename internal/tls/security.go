package tls

import (
	"crypto/tls"
	"fmt"
	"time"
)

// SecurityDefaults provides secure default settings for outbound TLS sessions
type SecurityDefaults struct {
	// Secure cipher suites ordered by preference (strongest first)
	SecureCipherSuites []uint16
	// Minimum TLS version for security
	MinTLSVersion uint16
	// Size of the client session cache used for resumption
	SessionCacheSize int
}

// GetSecurityDefaults returns the recommended secure defaults for client sessions
func GetSecurityDefaults() *SecurityDefaults {
	return &SecurityDefaults{
		// TLS 1.3 suites are not configurable and always enabled
		SecureCipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		MinTLSVersion:    tls.VersionTLS12,
		SessionCacheSize: 128,
	}
}

// ApplySecureDefaults applies secure defaults to a client TLS configuration
func ApplySecureDefaults(config *tls.Config, defaults *SecurityDefaults) {
	if config == nil || defaults == nil {
		return
	}

	if len(config.CipherSuites) == 0 {
		config.CipherSuites = defaults.SecureCipherSuites
	}

	if config.MinVersion == 0 || config.MinVersion < defaults.MinTLSVersion {
		config.MinVersion = defaults.MinTLSVersion
	}

	if config.ClientSessionCache == nil && defaults.SessionCacheSize > 0 {
		config.ClientSessionCache = tls.NewLRUClientSessionCache(defaults.SessionCacheSize)
	}

	config.Renegotiation = tls.RenegotiateNever
}

// TransportDefaults holds connection pool settings for transports built on a TrustConfig
type TransportDefaults struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	HandshakeTimeout    time.Duration
}

// GetTransportDefaults returns connection pool settings for outbound transports
func GetTransportDefaults() *TransportDefaults {
	return &TransportDefaults{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		HandshakeTimeout:    10 * time.Second,
	}
}

// versionName returns the printable name of a TLS protocol version
func versionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return fmt.Sprintf("unknown(0x%04x)", version)
	}
}
