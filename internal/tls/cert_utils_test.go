package tls

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCertificateDefaults(t *testing.T) {
	gen, err := GenerateCertificate(CertificateGenerationOptions{KeyType: KeyTypeECDSA})
	require.NoError(t, err)

	cert := gen.Certificate
	assert.Equal(t, "localhost", cert.Subject.CommonName)
	assert.Equal(t, []string{"localhost"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 2)
	assert.True(t, cert.IPAddresses[0].Equal(net.IPv4(127, 0, 0, 1)))
	assert.False(t, cert.IsCA)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), cert.NotAfter, 2*time.Minute)
	assert.IsType(t, &ecdsa.PrivateKey{}, gen.Key)
	assert.NoError(t, cert.CheckSignatureFrom(cert), "self-signed")

	_, err = gen.TLSCertificate()
	assert.NoError(t, err)
}

func TestGenerateCertificateRSA(t *testing.T) {
	gen, err := GenerateCertificate(CertificateGenerationOptions{CommonName: "rsa CA", IsCA: true})
	require.NoError(t, err)

	key, ok := gen.Key.(*rsa.PrivateKey)
	require.True(t, ok)
	assert.Equal(t, 2048, key.N.BitLen())
	assert.True(t, gen.Certificate.IsCA)
	assert.NotZero(t, gen.Certificate.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, gen.Certificate.KeyUsage&x509.KeyUsageKeyEncipherment)
	assert.Empty(t, gen.Certificate.DNSNames)
}

func TestGenerateCertificateUnsupportedKeyType(t *testing.T) {
	_, err := GenerateCertificate(CertificateGenerationOptions{KeyType: "dsa"})
	require.Error(t, err)
	tlsErr := AsTLSError(err)
	require.NotNil(t, tlsErr)
	assert.Equal(t, ErrorTypeConfigValidation, tlsErr.Type)
}

func TestGenerateTestPKI(t *testing.T) {
	pki, err := GenerateTestPKI(KeyTypeRSA, "svc.internal", "10.1.2.3")
	require.NoError(t, err)

	server := pki.Server.Certificate
	assert.Equal(t, "svc.internal", server.Subject.CommonName)
	assert.Equal(t, []string{"svc.internal"}, server.DNSNames)
	require.Len(t, server.IPAddresses, 1)
	assert.Equal(t, "10.1.2.3", server.IPAddresses[0].String())

	roots := x509.NewCertPool()
	roots.AddCert(pki.CA.Certificate)
	for _, name := range []string{"svc.internal", "10.1.2.3"} {
		_, err := server.Verify(x509.VerifyOptions{DNSName: name, Roots: roots})
		assert.NoError(t, err, name)
	}
	_, err = server.Verify(x509.VerifyOptions{DNSName: "other.internal", Roots: roots})
	assert.Error(t, err)
}

func TestTestPKIWriteFiles(t *testing.T) {
	pki := newTestPKI(t)
	dir := filepath.Join(t.TempDir(), "certs")
	require.NoError(t, pki.WriteFiles(dir))

	for name, mode := range map[string]os.FileMode{"ca.crt": 0o644, "server.crt": 0o644, "server.key": 0o600} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, mode, info.Mode().Perm(), name)
	}

	data, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	require.NoError(t, err)
	assert.Equal(t, pki.CA.CertPEM, data)
}

func TestEncodeCertificatesPEM(t *testing.T) {
	pki := newTestPKI(t)
	bundle := EncodeCertificatesPEM(pki.CA.Certificate, pki.Server.Certificate)

	chain, err := ParseCertificateChain(bundle)
	require.NoError(t, err)
	defer chain.release()
	require.Len(t, chain.Certificates(), 2)
	assert.True(t, chain.Certificates()[0].Equal(pki.CA.Certificate))
	assert.True(t, chain.Certificates()[1].Equal(pki.Server.Certificate))

	assert.Empty(t, EncodeCertificatesPEM())
	assert.Len(t, GetCertificateFingerprint(pki.CA.Certificate), 64)
}
