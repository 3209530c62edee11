package tls

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

type flusher interface {
	Flush() error
}

type syncer interface {
	Sync() error
}

// debugSink writes TLS diagnostics to a caller-owned writer, one line per
// message in the form "<file>:<line>: <message>". The writer is never closed
// here and write errors are dropped.
type debugSink struct {
	mu sync.Mutex
	w  io.Writer
}

func newDebugSink(w io.Writer) *debugSink {
	if w == nil {
		return nil
	}
	return &debugSink{w: w}
}

// printf emits one diagnostic line attributed to the caller skip frames up.
func (d *debugSink) printf(skip int, format string, args ...any) {
	if d == nil {
		return
	}

	file, line := "???", 0
	if _, path, l, ok := runtime.Caller(skip + 1); ok {
		file, line = filepath.Base(path), l
	}

	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")

	d.mu.Lock()
	defer d.mu.Unlock()

	_, _ = fmt.Fprintf(d.w, "%s:%04d: %s\n", file, line, msg)
	switch w := d.w.(type) {
	case flusher:
		_ = w.Flush()
	case syncer:
		_ = w.Sync()
	}
}
