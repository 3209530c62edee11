package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// KeyType selects the key algorithm for generated certificates.
type KeyType string

const (
	KeyTypeRSA   KeyType = "rsa"
	KeyTypeECDSA KeyType = "ecdsa"
)

// CertificateGenerationOptions contains options for generating certificates
type CertificateGenerationOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	NotBefore    time.Time
	ValidFor     time.Duration
	IsCA         bool
	KeyType      KeyType
	KeySize      int // RSA only
	SerialNumber *big.Int
	ParentCert   *x509.Certificate
	ParentKey    crypto.Signer
}

// GeneratedCertificate is a certificate together with its private key.
type GeneratedCertificate struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
	CertPEM     []byte
	KeyPEM      []byte
}

// GenerateCertificate creates a certificate signed by opts.ParentCert, or a
// self-signed one when no parent is given.
func GenerateCertificate(opts CertificateGenerationOptions) (*GeneratedCertificate, error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Minute)
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}
	if opts.SerialNumber == nil {
		serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 126))
		if err != nil {
			return nil, fmt.Errorf("failed to generate serial number: %w", err)
		}
		opts.SerialNumber = serial
	}

	key, err := generateKey(opts.KeyType, opts.KeySize)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotBefore.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}
	if _, ok := key.(*rsa.PrivateKey); ok {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}

	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	parent, signer := template, key
	if opts.ParentCert != nil && opts.ParentKey != nil {
		parent, signer = opts.ParentCert, opts.ParentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &GeneratedCertificate{
		Certificate: cert,
		Key:         key,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func generateKey(keyType KeyType, size int) (crypto.Signer, error) {
	switch keyType {
	case KeyTypeECDSA:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
		}
		return key, nil
	case KeyTypeRSA, "":
		if size == 0 {
			size = 2048
		}
		key, err := rsa.GenerateKey(rand.Reader, size)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return key, nil
	default:
		return nil, NewTLSError(ErrorTypeConfigValidation, fmt.Sprintf("unsupported key type %q", keyType)).
			WithSuggestion("Use 'rsa' or 'ecdsa'")
	}
}

// TLSCertificate returns the certificate and key as a serving keypair.
func (g *GeneratedCertificate) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(g.CertPEM, g.KeyPEM)
}

// TestPKI is a CA with one server certificate, as written by GenerateTestPKI.
type TestPKI struct {
	CA     *GeneratedCertificate
	Server *GeneratedCertificate
}

// GenerateTestPKI creates a CA and a server certificate for serverNames
// signed by it.
func GenerateTestPKI(keyType KeyType, serverNames ...string) (*TestPKI, error) {
	ca, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "trustconf test CA",
		Organization: []string{"trustconf"},
		IsCA:         true,
		KeyType:      keyType,
		ValidFor:     10 * 365 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA certificate: %w", err)
	}

	opts := CertificateGenerationOptions{
		Organization: []string{"trustconf"},
		KeyType:      keyType,
		ParentCert:   ca.Certificate,
		ParentKey:    ca.Key,
	}
	for _, name := range serverNames {
		if ip := net.ParseIP(name); ip != nil {
			opts.IPAddresses = append(opts.IPAddresses, ip)
		} else {
			opts.DNSNames = append(opts.DNSNames, name)
		}
	}
	if len(serverNames) > 0 {
		opts.CommonName = serverNames[0]
	}

	server, err := GenerateCertificate(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate server certificate: %w", err)
	}
	return &TestPKI{CA: ca, Server: server}, nil
}

// WriteFiles writes ca.crt, server.crt and server.key into dir.
func (p *TestPKI) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{"ca.crt", p.CA.CertPEM, 0o644},
		{"server.crt", p.Server.CertPEM, 0o644},
		{"server.key", p.Server.KeyPEM, 0o600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}

// GetCertificateFingerprint returns the hex SHA-256 of the certificate DER.
func GetCertificateFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// EncodeCertificatesPEM concatenates the PEM encoding of certs.
func EncodeCertificatesPEM(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}
