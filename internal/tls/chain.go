package tls

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxBundleSize bounds the size of a CA buffer accepted by the parser.
	DefaultMaxBundleSize = 16 << 20
	// DefaultMaxCertificates bounds the number of certificates in one chain.
	DefaultMaxCertificates = 4096
)

var (
	pemArmor            = []byte("-----BEGIN")
	pemCertificateBegin = []byte("-----BEGIN CERTIFICATE-----")
)

// CertificateChain is an ordered, immutable set of trusted certificates.
//
// A chain is reference counted. The TrustConfig that installed it holds one
// reference and every borrowing reader holds another; once the count drops
// to zero the chain is released and its certificates are no longer
// reachable through it.
type CertificateChain struct {
	id          string
	fingerprint string
	createdAt   time.Time

	mu    sync.RWMutex
	certs []*x509.Certificate
	pool  *x509.CertPool

	refs     atomic.Int64
	released atomic.Bool
}

type parseOptions struct {
	maxBundleSize   int
	maxCertificates int
}

// ParseOption tunes ParseCertificateChain.
type ParseOption func(*parseOptions)

// WithParseLimits caps the buffer size and certificate count. Non-positive
// values keep the defaults.
func WithParseLimits(maxBundleSize, maxCertificates int) ParseOption {
	return func(o *parseOptions) {
		if maxBundleSize > 0 {
			o.maxBundleSize = maxBundleSize
		}
		if maxCertificates > 0 {
			o.maxCertificates = maxCertificates
		}
	}
}

// ParseCertificateChain parses one or more PEM or DER encoded certificates.
//
// PEM input is recognised by its armour; blocks other than CERTIFICATE are
// skipped. Anything else is treated as concatenated DER. Parsing is
// all-or-nothing: a single bad certificate fails the whole buffer.
func ParseCertificateChain(buf []byte, opts ...ParseOption) (*CertificateChain, error) {
	o := parseOptions{maxBundleSize: DefaultMaxBundleSize, maxCertificates: DefaultMaxCertificates}
	for _, opt := range opts {
		opt(&o)
	}

	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, newParseError(CodeEmptyBuffer, -1, "certificate buffer is empty", nil)
	}
	if len(buf) > o.maxBundleSize {
		return nil, &AllocationError{Resource: "certificate buffer", Requested: len(buf), Limit: o.maxBundleSize}
	}

	var (
		certs []*x509.Certificate
		err   error
	)
	if bytes.Contains(buf, pemArmor) {
		certs, err = parsePEM(buf, o.maxCertificates)
	} else {
		certs, err = parseDER(buf, o.maxCertificates)
	}
	if err != nil {
		return nil, err
	}

	return newCertificateChain(certs), nil
}

func parsePEM(buf []byte, limit int) ([]*x509.Certificate, error) {
	if i := undecodableCertificateBlock(buf); i >= 0 {
		return nil, newParseError(CodeMalformedCertificate, i,
			fmt.Sprintf("certificate %d is not valid PEM", i), nil)
	}

	var certs []*x509.Certificate
	rest := buf
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if len(certs) == limit {
			return nil, &AllocationError{Resource: "certificates", Requested: len(certs) + 1, Limit: limit}
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, newParseError(CodeMalformedCertificate, len(certs),
				fmt.Sprintf("certificate %d could not be parsed", len(certs)), err)
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, newParseError(CodeNoCertificates, -1, "no CERTIFICATE PEM block found", nil)
	}
	return certs, nil
}

// undecodableCertificateBlock returns the index of the first CERTIFICATE
// block that pem.Decode cannot decode, or -1. pem.Decode silently skips such
// blocks, so each one is decoded from its own BEGIN line and must end before
// the next one starts.
func undecodableCertificateBlock(buf []byte) int {
	var starts []int
	for off := 0; ; {
		i := bytes.Index(buf[off:], pemCertificateBegin)
		if i < 0 {
			break
		}
		starts = append(starts, off+i)
		off += i + len(pemCertificateBegin)
	}

	for n, start := range starts {
		end := len(buf)
		if n+1 < len(starts) {
			end = starts[n+1]
		}
		block, _ := pem.Decode(buf[start:end])
		if block == nil || block.Type != "CERTIFICATE" {
			return n
		}
	}
	return -1
}

func parseDER(buf []byte, limit int) ([]*x509.Certificate, error) {
	certs, err := x509.ParseCertificates(buf)
	if err != nil {
		return nil, newParseError(CodeMalformedDER, -1, "buffer is neither PEM nor valid DER", err)
	}
	if len(certs) == 0 {
		return nil, newParseError(CodeNoCertificates, -1, "no certificates found in DER buffer", nil)
	}
	if len(certs) > limit {
		return nil, &AllocationError{Resource: "certificates", Requested: len(certs), Limit: limit}
	}
	return certs, nil
}

func newCertificateChain(certs []*x509.Certificate) *CertificateChain {
	pool := x509.NewCertPool()
	digest := sha256.New()
	for _, cert := range certs {
		pool.AddCert(cert)
		digest.Write(cert.Raw)
	}

	c := &CertificateChain{
		id:          uuid.NewString(),
		fingerprint: hex.EncodeToString(digest.Sum(nil)),
		createdAt:   time.Now(),
		certs:       certs,
		pool:        pool,
	}
	c.refs.Store(1)
	return c
}

// ID returns the generation identifier assigned when the chain was parsed.
func (c *CertificateChain) ID() string { return c.id }

// Fingerprint returns the hex SHA-256 over the DER of every certificate in order.
func (c *CertificateChain) Fingerprint() string { return c.fingerprint }

// CreatedAt returns the parse time.
func (c *CertificateChain) CreatedAt() time.Time { return c.createdAt }

// Len returns the number of certificates, or zero once released.
func (c *CertificateChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.certs)
}

// Certificates returns a copy of the certificate list, or nil once released.
func (c *CertificateChain) Certificates() []*x509.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.certs == nil {
		return nil
	}
	out := make([]*x509.Certificate, len(c.certs))
	copy(out, c.certs)
	return out
}

// Pool returns the certificate pool used as verification roots, or nil once released.
func (c *CertificateChain) Pool() *x509.CertPool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

// EarliestExpiry returns the smallest NotAfter in the chain.
func (c *CertificateChain) EarliestExpiry() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var earliest time.Time
	for _, cert := range c.certs {
		if earliest.IsZero() || cert.NotAfter.Before(earliest) {
			earliest = cert.NotAfter
		}
	}
	return earliest, !earliest.IsZero()
}

// Released reports whether the last reference has been dropped.
func (c *CertificateChain) Released() bool { return c.released.Load() }

// retain takes a reference. It fails once the chain has been released, so a
// reader racing with a replacement must reload the current snapshot.
func (c *CertificateChain) retain() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference and frees the chain when it was the last one.
func (c *CertificateChain) release() {
	n := c.refs.Add(-1)
	switch {
	case n == 0:
		c.mu.Lock()
		c.certs = nil
		c.pool = nil
		c.mu.Unlock()
		c.released.Store(true)
	case n < 0:
		panic("tls: certificate chain released more times than retained")
	}
}
