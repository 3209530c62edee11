package tls

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"
	"time"
)

// CertificateDetails describes one certificate of a trusted chain.
type CertificateDetails struct {
	Index              int       `json:"index" yaml:"index"`
	Subject            string    `json:"subject" yaml:"subject"`
	Issuer             string    `json:"issuer" yaml:"issuer"`
	SerialNumber       string    `json:"serial_number" yaml:"serial_number"`
	Fingerprint        string    `json:"sha256" yaml:"sha256"`
	NotBefore          time.Time `json:"not_before" yaml:"not_before"`
	NotAfter           time.Time `json:"not_after" yaml:"not_after"`
	SignatureAlgorithm string    `json:"signature_algorithm" yaml:"signature_algorithm"`
	PublicKeyAlgorithm string    `json:"public_key_algorithm" yaml:"public_key_algorithm"`
	KeySize            int       `json:"key_size" yaml:"key_size"`
	IsCA               bool      `json:"is_ca" yaml:"is_ca"`
	SelfSigned         bool      `json:"self_signed" yaml:"self_signed"`
	KeyUsage           []string  `json:"key_usage,omitempty" yaml:"key_usage,omitempty"`
	DNSNames           []string  `json:"dns_names,omitempty" yaml:"dns_names,omitempty"`
	Warnings           []string  `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// ChainReport is the inspection result for a CA bundle.
type ChainReport struct {
	ChainID      string               `json:"chain_id,omitempty" yaml:"chain_id,omitempty"`
	Fingerprint  string               `json:"sha256" yaml:"sha256"`
	Certificates []CertificateDetails `json:"certificates" yaml:"certificates"`
}

// InspectBundle parses buf the same way SetTrustedCertificates does and
// describes every certificate in it.
func InspectBundle(buf []byte, opts ...ParseOption) (*ChainReport, error) {
	chain, err := ParseCertificateChain(buf, opts...)
	if err != nil {
		return nil, err
	}
	defer chain.release()
	return InspectChain(chain, time.Now()), nil
}

// InspectChain describes the certificates of chain as of now. The chain
// must not be released while this runs.
func InspectChain(chain *CertificateChain, now time.Time) *ChainReport {
	report := &ChainReport{
		ChainID:     chain.ID(),
		Fingerprint: chain.Fingerprint(),
	}
	for i, cert := range chain.Certificates() {
		report.Certificates = append(report.Certificates, describeCertificate(i, cert, now))
	}
	return report
}

func describeCertificate(index int, cert *x509.Certificate, now time.Time) CertificateDetails {
	d := CertificateDetails{
		Index:              index,
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		SerialNumber:       cert.SerialNumber.String(),
		Fingerprint:        GetCertificateFingerprint(cert),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		KeySize:            keySize(cert.PublicKey),
		IsCA:               cert.IsCA,
		SelfSigned:         cert.CheckSignatureFrom(cert) == nil,
		KeyUsage:           keyUsageNames(cert.KeyUsage),
		DNSNames:           cert.DNSNames,
	}

	switch status := classifyExpiry(cert.NotAfter, now); status {
	case ExpiryStatusExpired:
		d.Warnings = append(d.Warnings, fmt.Sprintf("expired on %s", cert.NotAfter.Format(time.RFC3339)))
	case ExpiryStatusCritical, ExpiryStatusWarning:
		d.Warnings = append(d.Warnings, fmt.Sprintf("expires in %s", cert.NotAfter.Sub(now).Round(time.Hour)))
	}
	if now.Before(cert.NotBefore) {
		d.Warnings = append(d.Warnings, fmt.Sprintf("not valid before %s", cert.NotBefore.Format(time.RFC3339)))
	}
	if !cert.IsCA {
		d.Warnings = append(d.Warnings, "not a CA certificate; it can only anchor a peer presenting this exact certificate")
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); ok && d.KeySize < 2048 {
		d.Warnings = append(d.Warnings, fmt.Sprintf("weak RSA key: %d bits", d.KeySize))
	}
	if strings.Contains(strings.ToLower(d.SignatureAlgorithm), "sha1") {
		d.Warnings = append(d.Warnings, "SHA-1 signature")
	}
	return d
}

func keySize(pub any) int {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		return key.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}

var keyUsageBits = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "Digital Signature"},
	{x509.KeyUsageContentCommitment, "Content Commitment"},
	{x509.KeyUsageKeyEncipherment, "Key Encipherment"},
	{x509.KeyUsageDataEncipherment, "Data Encipherment"},
	{x509.KeyUsageKeyAgreement, "Key Agreement"},
	{x509.KeyUsageCertSign, "Certificate Sign"},
	{x509.KeyUsageCRLSign, "CRL Sign"},
	{x509.KeyUsageEncipherOnly, "Encipher Only"},
	{x509.KeyUsageDecipherOnly, "Decipher Only"},
}

func keyUsageNames(usage x509.KeyUsage) []string {
	var names []string
	for _, ku := range keyUsageBits {
		if usage&ku.bit != 0 {
			names = append(names, ku.name)
		}
	}
	return names
}
