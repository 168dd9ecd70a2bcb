// Package runtimelog implements RuntimeLogSink: a byte-capped sink that
// diverts the runtime's own internal log records into the per-request
// response, deduplicating repeated stack traces. Grounded on
// row/row.go's logAnnError = logx.NewLogEvery(...) rate-limited-log
// idiom, generalized here from "rate limit by time" to "dedup by
// exception text, cap by total size".
package runtimelog

import (
	"fmt"
	"sync"
	"time"

	"github.com/m-lab/apprun/response"
)

// Severity mirrors spec.md §4.5's severity mapping.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) level() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// runtimeNamespace is the logger-name prefix considered "runtime
// internal"; records whose LoggerName starts with this are never
// forwarded to the user's application-log stream, only to this sink.
const runtimeNamespace = "apprun.runtime."

const maxSizeReachedMessage = "maximum runtime log size reached"

// Record is one runtime-internal log entry. Sink installs no hook over any
// logger; callers build a Record and pass it to Sink.Record directly.
type Record struct {
	LoggerName    string
	Severity      Severity
	Message       string
	ExceptionText string // non-empty if this record carries a stack trace
	Time          time.Time
}

// IsRuntimeInternal reports whether name belongs to the runtime-internal
// namespace excluded from the user-facing application-log stream.
func IsRuntimeInternal(name string) bool {
	return len(name) >= len(runtimeNamespace) && name[:len(runtimeNamespace)] == runtimeNamespace
}

// Sink implements RuntimeLogSink (spec.md §4.5).
type Sink struct {
	maxSizeBytes int

	mu               sync.Mutex
	currentSizeBytes int
	pending          []response.AppLogLine
	capped           bool
	seenExceptions   map[string]string // exception text -> first-seen formatted timestamp
}

// New constructs a Sink with the given byte cap. A non-positive
// maxSizeBytes disables the cap (treated as unbounded).
func New(maxSizeBytes int) *Sink {
	return &Sink{
		maxSizeBytes:   maxSizeBytes,
		seenExceptions: make(map[string]string),
	}
}

// Record ingests one runtime log record, applying the byte cap and
// stack-trace dedup described in spec.md §4.5.
func (s *Sink) Record(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capped {
		return
	}

	message := rec.Message
	if rec.ExceptionText != "" {
		if first, ok := s.seenExceptions[rec.ExceptionText]; ok {
			message = fmt.Sprintf("%s (duplicate of stack trace first seen at %s)", message, first)
		} else {
			stamp := rec.Time.Format(time.RFC3339Nano)
			s.seenExceptions[rec.ExceptionText] = stamp
			message = fmt.Sprintf("%s\n%s", message, rec.ExceptionText)
		}
	}

	size := 2 * len(message)
	if s.maxSizeBytes > 0 && s.currentSizeBytes+size > s.maxSizeBytes {
		s.capped = true
		s.pending = append(s.pending, response.AppLogLine{
			Level:       "error",
			TimestampUs: rec.Time.UnixMicro(),
			Message:     maxSizeReachedMessage,
		})
		s.currentSizeBytes += 2 * len(maxSizeReachedMessage)
		return
	}

	s.currentSizeBytes += size
	s.pending = append(s.pending, response.AppLogLine{
		Level:       levelName(rec.Severity),
		TimestampUs: rec.Time.UnixMicro(),
		Message:     message,
	})
}

func levelName(sev Severity) string {
	switch sev {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warn"
	default:
		return "info"
	}
}

// FlushLogs moves every pending runtime-log line into sink's runtime-log
// list and resets this Sink's state, per spec.md §4.5's flushLogs.
func (s *Sink) FlushLogs(sink *response.Sink) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.currentSizeBytes = 0
	s.capped = false
	s.seenExceptions = make(map[string]string)
	s.mu.Unlock()

	for _, line := range batch {
		sink.AppendRuntimeLog(line)
	}
}

// CurrentSizeBytes reports the current accumulated size, for tests and
// diagnostics.
func (s *Sink) CurrentSizeBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSizeBytes
}
