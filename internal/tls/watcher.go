package tls

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 100 * time.Millisecond

// BundleSource returns the current bytes of a CA bundle.
type BundleSource func() ([]byte, error)

// BundleWatcher reinstalls a CA bundle file into a TrustConfig whenever the
// file changes. A bundle that fails to load is logged and counted, and the
// previously installed chain stays in force.
type BundleWatcher struct {
	tc       *TrustConfig
	path     string
	source   BundleSource
	debounce time.Duration
	onReload func(error)
	logger   *TLSLogger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	reloads sync.WaitGroup
}

// WatcherOption configures a BundleWatcher.
type WatcherOption func(*BundleWatcher)

// WithBundleSource replaces the default os.ReadFile source, e.g. to verify a
// checksum pin before the bytes reach the parser.
func WithBundleSource(source BundleSource) WatcherOption {
	return func(w *BundleWatcher) { w.source = source }
}

// WithDebounce sets how long to wait after the last file event before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *BundleWatcher) { w.debounce = d }
}

// WithReloadHook registers a callback invoked after every reload attempt.
func WithReloadHook(fn func(error)) WatcherOption {
	return func(w *BundleWatcher) { w.onReload = fn }
}

// NewBundleWatcher creates a watcher for the bundle at path. Call Start to
// begin watching.
func NewBundleWatcher(tc *TrustConfig, path string, opts ...WatcherOption) (*BundleWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	w := &BundleWatcher{
		tc:       tc,
		path:     absPath,
		debounce: defaultReloadDebounce,
		logger:   tc.logger,
	}
	w.source = func() ([]byte, error) {
		// #nosec G304 -- bundle path is configured by the operator
		return os.ReadFile(w.path)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute path being watched.
func (w *BundleWatcher) Path() string { return w.path }

// Start watches the bundle's directory so that atomic rename-into-place
// updates are seen as well as in-place writes.
func (w *BundleWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return NewTLSErrorWithCause(ErrorTypeFileWatching, "failed to create file watcher", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return NewTLSErrorWithCause(ErrorTypeFileWatching, "failed to watch bundle directory", err).
			WithContext("path", w.path).
			WithSuggestion("Check that the bundle directory exists and is readable")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.watchLoop(ctx, watcher, w.done)

	w.logger.Logger().Info("Started watching CA bundle", "path", w.path, "debounce", w.debounce)
	return nil
}

func (w *BundleWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Logger().Debug("CA bundle changed", "path", w.path, "operation", event.Op.String())
				w.schedule(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Logger().Error("CA bundle watcher error", "path", w.path, "error", err)
		}
	}
}

// schedule debounces bursts of events into a single reload.
func (w *BundleWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		w.reloads.Add(1)
		w.mu.Unlock()
		defer w.reloads.Done()
		_ = w.Reload(ctx)
	})
}

// Reload reads the bundle and installs it now.
func (w *BundleWatcher) Reload(ctx context.Context) error {
	err := w.reload()

	w.logger.LogCertificateReload(ctx, w.path, err == nil, err)
	if w.tc.metrics != nil {
		w.tc.metrics.RecordBundleReload(ctx, w.path, err == nil)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
	return err
}

func (w *BundleWatcher) reload() error {
	data, err := w.source()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewFileNotFoundError(w.path)
		}
		return NewCertificateLoadError(w.path, err)
	}
	return w.tc.SetTrustedCertificates(data)
}

// Close stops watching. Pending reloads are discarded and a reload already
// running is waited for.
func (w *BundleWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	watcher, cancel, done := w.watcher, w.cancel, w.done
	w.mu.Unlock()

	if watcher == nil {
		w.reloads.Wait()
		return nil
	}
	cancel()
	err := watcher.Close()
	<-done
	w.reloads.Wait()
	return err
}
