// Package tls holds the trust configuration consulted by outbound TLS
// sessions: the trusted CA chain, the peer verification mode and an optional
// debug sink.
//
// A TrustConfig hands out one long-lived *tls.Config. Its VerifyConnection
// hook reads whatever chain and mode are installed at handshake time, so
// SetTrustedCertificates and SetInsecureMode take effect for new sessions
// without rebuilding clients. Chains are parsed all-or-nothing and replaced
// atomically; readers borrow a reference so a chain is never freed while a
// handshake is still using it.
//
// Around that core the package provides a file watcher that hot-reloads a
// bundle, an expiry monitor, bundle inspection, test PKI generation, and
// adapters for net/http, gRPC and Prometheus.
package tls
