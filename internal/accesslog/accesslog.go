// Package accesslog writes the per-request access log shared by all workers.
//
// Each record is one line:
//
//	Mon Jan  2 15:04:05 2006: 192.0.2.10 http://example.com/ 25000
//
// Lines are formatted before the lock is taken and written with a single
// Write call under the lock, so concurrent records never interleave and the
// lock is never held across network I/O.
package accesslog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"forward-proxy/internal/model"
)

// TimeLayout matches the C library's asctime output without the newline.
const TimeLayout = time.ANSIC

// Log is an append-only access log safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	closed bool

	path  string
	count atomic.Int64
}

// Open creates the log file at path. Unless appending, existing content is
// truncated. Writes go straight to the file descriptor, so each record is in
// the kernel as soon as Record returns.
func Open(path string, appendOnly bool) (*Log, error) {
	flag := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !appendOnly {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open access log %s: %w", model.ErrStartupFailure, path, err)
	}
	return &Log{w: f, closer: f, path: path}, nil
}

// New wraps an arbitrary writer. Close is a no-op unless w is an io.Closer.
func New(w io.Writer) *Log {
	l := &Log{w: w}
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}
	return l
}

// Format renders rec as a single log line including the trailing newline.
func Format(rec model.LogRecord) string {
	return fmt.Sprintf("%s: %s %s %d\n",
		rec.Time.Format(TimeLayout),
		rec.ClientIP,
		rec.RawTarget,
		rec.BytesRelayed,
	)
}

// Record appends rec. Failures wrap model.ErrLogWrite; the log stays usable.
func (l *Log) Record(rec model.LogRecord) error {
	line := Format(rec)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: log closed", model.ErrLogWrite)
	}
	if _, err := io.WriteString(l.w, line); err != nil {
		return fmt.Errorf("%w: %w", model.ErrLogWrite, err)
	}
	l.count.Add(1)
	return nil
}

// Count returns the number of records written since Open.
func (l *Log) Count() int64 {
	return l.count.Load()
}

// Path returns the file path, or "" for logs created with New.
func (l *Log) Path() string {
	return l.path
}

// Close closes the underlying file. Later calls to Record fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
