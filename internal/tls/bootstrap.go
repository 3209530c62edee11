package tls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/trustconf/pkg/config"
)

// FromSettings builds a TrustConfig from loaded settings: it installs the
// configured bundle, enables diagnostics and switches to insecure mode when
// asked to. The returned function closes the TrustConfig and any debug file
// it opened.
func FromSettings(settings config.TrustSettings, opts ...Option) (*TrustConfig, func() error, error) {
	version, err := config.ParseTLSVersion(settings.MinVersion)
	if err != nil {
		return nil, nil, NewTLSErrorWithCause(ErrorTypeConfigValidation, "invalid minimum TLS version", err)
	}

	base := []Option{
		WithMinVersion(version.Uint16()),
		WithSystemRoots(settings.UseSystemRoots()),
		WithMaxBundleSize(settings.MaxBundleSize),
	}
	tc := New(append(base, opts...)...)

	closers := []func() error{tc.Close}
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	if settings.Debug.Enabled {
		sink, closeSink, err := OpenDebugSink(settings.Debug.Output)
		if err != nil {
			_ = cleanup()
			return nil, nil, err
		}
		closers = append(closers, closeSink)
		tc.EnableDebugLogging(sink)
	}

	if settings.Bundle.IsSet() {
		data, err := settings.Bundle.Materialise()
		if err != nil {
			_ = cleanup()
			return nil, nil, NewCertificateLoadError(settings.Bundle.Path, err)
		}
		if err := tc.SetTrustedCertificates(data); err != nil {
			_ = cleanup()
			return nil, nil, err
		}
	}

	if settings.InsecureSkipVerify {
		tc.SetInsecureMode()
	}

	return tc, cleanup, nil
}

// OpenDebugSink resolves a debug output name: "stderr", "stdout" or a file
// path opened for appending. The close function is a no-op for the standard
// streams.
func OpenDebugSink(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return os.Stderr, noop, nil
	case "stdout":
		return os.Stdout, noop, nil
	}

	path := filepath.Clean(output)
	// #nosec G304 -- debug output path is configured by the operator
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, NewTLSErrorWithCause(ErrorTypeFileAccess, fmt.Sprintf("cannot open debug output %s", path), err).
			WithSuggestion("Check that the directory exists and is writable")
	}
	return f, f.Close, nil
}

// WatchBundle starts a BundleWatcher for the settings' bundle file, reading
// through TrustBundle so the checksum pin is enforced on every reload.
// It returns nil when watching is disabled or the bundle is inline.
func WatchBundle(ctx context.Context, tc *TrustConfig, settings config.TrustSettings, opts ...WatcherOption) (*BundleWatcher, error) {
	if !settings.Watch || strings.TrimSpace(settings.Bundle.Path) == "" {
		return nil, nil
	}

	bundle := settings.Bundle
	base := []WatcherOption{WithBundleSource(bundle.Materialise)}
	w, err := NewBundleWatcher(tc, bundle.Path, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}
