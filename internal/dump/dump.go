// Package dump implements the optional request/stream dump facility (§6,
// §10): when enabled, one append-only file per request is written under the
// configured directory, grounded on the teacher's debugMiddleware/
// writeDebugDumpBlock in internal/proxy/server.go but redirected from stderr
// to per-request files on disk, and with the Authorization header always
// stripped before anything touches disk.
package dump

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends dump blocks for one request to a single file under dir.
// The zero value (what Open returns for dir == "") is a no-op writer, so
// callers can call Block and Close on it unconditionally.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open creates (or appends to) dir/<requestID>.log for writing. If dir is
// empty, Open returns a disabled Writer whose Block calls are no-ops.
func Open(dir, requestID string) *Writer {
	if dir == "" {
		return &Writer{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("dump: failed to create dump dir", "dir", dir, "error", err)
		return &Writer{}
	}
	path := filepath.Join(dir, requestID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("dump: failed to open dump file", "path", path, "error", err)
		return &Writer{}
	}
	return &Writer{f: f, path: path}
}

// Block appends a titled block of data, matching writeDebugDumpBlock's
// "===== TITLE BEGIN/END =====" framing.
func (w *Writer) Block(title string, data []byte) {
	if w.f == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	fmt.Fprintf(w.f, "===== %s BEGIN =====\n", title) //nolint:errcheck
	w.f.Write(data)                                    //nolint:errcheck
	if len(data) == 0 || data[len(data)-1] != '\n' {
		w.f.Write([]byte("\n")) //nolint:errcheck
	}
	fmt.Fprintf(w.f, "===== %s END =====\n", title) //nolint:errcheck
}

// Close releases the underlying file handle, if any.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

// RedactAuthorization returns a copy of headers with any Authorization or
// x-api-key value replaced, so a dumped request never carries a usable
// credential to disk.
func RedactAuthorization(raw []byte) []byte {
	return redactHeaderLines(raw, "Authorization:", "x-api-key:", "X-Api-Key:")
}

func redactHeaderLines(raw []byte, prefixes ...string) []byte {
	out := make([]byte, 0, len(raw))
	lineStart := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '\n' {
			line := raw[lineStart:i]
			redacted := false
			for _, p := range prefixes {
				if hasPrefixFold(line, p) {
					out = append(out, line[:len(p)]...)
					out = append(out, " ***REDACTED***"...)
					redacted = true
					break
				}
			}
			if !redacted {
				out = append(out, line...)
			}
			if i < len(raw) {
				out = append(out, '\n')
			}
			lineStart = i + 1
		}
	}
	return out
}

func hasPrefixFold(line []byte, prefix string) bool {
	if len(line) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := line[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
