package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/zjrosen/herald/internal/envelope"
)

// PumpMessages reads JSON lines from r until it is exhausted. Lines that
// decode as worker messages are published on s; anything else is copied to
// plain.
func PumpMessages(r io.Reader, origin ProcessInfo, s *Session, plain io.Writer) error {
	sc := envelope.NewLineScanner(r)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := envelope.DecodeMessage(line)
		if err != nil {
			_, _ = plain.Write(append(append([]byte(nil), line...), '\n'))
			continue
		}
		s.Publish(origin, msg)
	}
	return sc.Err()
}

// LogWriter is a process log shared by the stdout pump and the stderr copier.
// Writes after Close are discarded.
type LogWriter struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// OpenLog opens path for appending, creating parent directories. An empty
// path discards output.
func OpenLog(path string) (*LogWriter, error) {
	if path == "" {
		return &LogWriter{w: io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	// #nosec G304 -- the log path comes from the operator's config
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &LogWriter{w: f, c: f}, nil
}

func (l *LogWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Close closes the underlying file.
func (l *LogWriter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c == nil {
		return nil
	}
	err := l.c.Close()
	l.c = nil
	l.w = io.Discard
	return err
}

// EnvList renders env as KEY=VALUE pairs in key order.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}
