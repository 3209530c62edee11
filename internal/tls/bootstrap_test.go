package tls

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/trustconf/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSettings() config.TrustSettings {
	return config.Default().Trust
}

func TestFromSettingsInstallsBundle(t *testing.T) {
	pki := newTestPKI(t)
	dir := t.TempDir()
	require.NoError(t, pki.WriteFiles(dir))
	sum := sha256.Sum256(pki.CA.CertPEM)

	settings := baseSettings()
	settings.MinVersion = "1.3"
	settings.Bundle = config.TrustBundle{Path: filepath.Join(dir, "ca.crt"), SHA256: "sha256:" + hex.EncodeToString(sum[:])}

	tc, cleanup, err := FromSettings(settings, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	assert.Equal(t, uint16(tls.VersionTLS13), tc.ConfigHandle().MinVersion)
	assert.Equal(t, VerifyStrict, tc.Mode())
	require.NoError(t, tc.View(func(v View) error {
		require.NotNil(t, v.Chain)
		assert.True(t, v.Chain.Certificates()[0].Equal(pki.CA.Certificate))
		return nil
	}))

	addr := startTLSServer(t, pki.Server)
	assert.NoError(t, dial(tc, addr, "localhost"))
}

func TestFromSettingsInsecureAndDebug(t *testing.T) {
	debugPath := filepath.Join(t.TempDir(), "tls-debug.log")

	settings := baseSettings()
	settings.InsecureSkipVerify = true
	settings.Debug = config.DebugConfig{Enabled: true, Output: debugPath}

	tc, cleanup, err := FromSettings(settings, WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.Equal(t, VerifyInsecureNoVerify, tc.Mode())
	require.NoError(t, cleanup())

	data, err := os.ReadFile(debugPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "debug logging enabled")
	assert.Contains(t, string(data), "verify mode set to insecure_no_verify")

	info, err := os.Stat(debugPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.ErrorIs(t, tc.SetTrustedCertificates(newTestPKI(t).CA.CertPEM), ErrClosed)
}

func TestFromSettingsErrors(t *testing.T) {
	pki := newTestPKI(t)
	dir := t.TempDir()
	require.NoError(t, pki.WriteFiles(dir))

	tests := []struct {
		name   string
		modify func(*config.TrustSettings)
		check  func(t *testing.T, err error)
	}{
		{
			name:   "deprecated version",
			modify: func(s *config.TrustSettings) { s.MinVersion = "1.1" },
			check: func(t *testing.T, err error) {
				assert.Equal(t, ErrorTypeConfigValidation, AsTLSError(err).Type)
			},
		},
		{
			name:   "checksum mismatch",
			modify: func(s *config.TrustSettings) { s.Bundle = config.TrustBundle{Path: filepath.Join(dir, "ca.crt"), SHA256: "00"} },
			check: func(t *testing.T, err error) {
				assert.Equal(t, ErrorTypeCertificateLoad, AsTLSError(err).Type)
				assert.Contains(t, err.Error(), "checksum mismatch")
			},
		},
		{
			name:   "missing bundle",
			modify: func(s *config.TrustSettings) { s.Bundle = config.TrustBundle{Path: filepath.Join(dir, "absent.pem")} },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, os.ErrNotExist)
			},
		},
		{
			name:   "malformed inline bundle",
			modify: func(s *config.TrustSettings) { s.Bundle = config.TrustBundle{Inline: "garbage"} },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrCertificateParse)
			},
		},
		{
			name: "unwritable debug output",
			modify: func(s *config.TrustSettings) {
				s.Debug = config.DebugConfig{Enabled: true, Output: filepath.Join(dir, "missing", "debug.log")}
			},
			check: func(t *testing.T, err error) {
				assert.Equal(t, ErrorTypeFileAccess, AsTLSError(err).Type)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := baseSettings()
			tt.modify(&settings)
			tc, cleanup, err := FromSettings(settings, WithLogger(quietLogger()))
			require.Error(t, err)
			assert.Nil(t, tc)
			assert.Nil(t, cleanup)
			tt.check(t, err)
		})
	}
}

func TestOpenDebugSink(t *testing.T) {
	w, closeFn, err := OpenDebugSink("")
	require.NoError(t, err)
	assert.Same(t, os.Stderr, w)
	require.NoError(t, closeFn())

	w, closeFn, err = OpenDebugSink(" STDOUT ")
	require.NoError(t, err)
	assert.Same(t, os.Stdout, w)
	require.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "debug.log")
	w, closeFn, err = OpenDebugSink(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("one\n"))
	require.NoError(t, err)
	require.NoError(t, closeFn())

	w, closeFn, err = OpenDebugSink(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("two\n"))
	require.NoError(t, err)
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestWatchBundle(t *testing.T) {
	first := newTestPKI(t)
	second := newTestPKI(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(path, first.CA.CertPEM, 0o600))

	settings := baseSettings()
	settings.Bundle = config.TrustBundle{Path: path}

	tc, cleanup, err := FromSettings(settings, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	w, err := WatchBundle(context.Background(), tc, settings)
	require.NoError(t, err)
	assert.Nil(t, w, "watching is off")

	inline := baseSettings()
	inline.Watch = true
	inline.Bundle = config.TrustBundle{Inline: string(first.CA.CertPEM)}
	w, err = WatchBundle(context.Background(), tc, inline)
	require.NoError(t, err)
	assert.Nil(t, w, "inline bundles are not watched")

	// Pin the watched file to the second bundle: the first rewrite that does
	// not match is refused.
	sum := sha256.Sum256(second.CA.CertPEM)
	settings.Watch = true
	settings.Bundle.SHA256 = hex.EncodeToString(sum[:])

	results := make(chan error, 16)
	w, err = WatchBundle(context.Background(), tc, settings,
		WithDebounce(20*time.Millisecond),
		WithReloadHook(func(err error) { results <- err }))
	require.NoError(t, err)
	require.NotNil(t, w)
	t.Cleanup(func() { _ = w.Close() })

	third := newTestPKI(t)
	require.NoError(t, os.WriteFile(path, third.CA.CertPEM, 0o600))
	err = waitReload(t, results, true)
	assert.Contains(t, err.Error(), "checksum mismatch")

	require.NoError(t, os.WriteFile(path, second.CA.CertPEM, 0o600))
	require.NoError(t, waitReload(t, results, false))
	require.NoError(t, tc.View(func(v View) error {
		assert.True(t, v.Chain.Certificates()[0].Equal(second.CA.Certificate))
		return nil
	}))
}
