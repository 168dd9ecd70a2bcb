// Package applog implements AppLogsWriter: bounded-size, time-bounded
// batching of application log records with at-most-one-in-flight
// asynchronous flush and splitting of oversized entries (spec.md §4.2).
//
// Grounded on row.Base's Put/Flush buffer-until-threshold shape and
// storage.RowWriter's single-slot channel tokens (storage/rowwriter.go),
// here adapted from "serialize encode vs. write" into "serialize flush
// in flight".
package applog

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/m-lab/go/logx"

	"github.com/m-lab/apprun/response"
)

// continuedSuffix/continuedPrefix are the literal split markers spec.md
// §4.2 specifies.
const (
	continuedSuffix = "\n<continued in next message>"
	continuedPrefix = "<continued from previous message>\n"
)

// Record is the input to AddLogRecord, mirroring spec.md §3's AppLogLine
// before any splitting.
type Record struct {
	Level       string
	TimestampUs int64
	Message     string
	File        string
	Line        int
	Function    string
}

// FlushFunc performs the actual external flush of a batch of log lines. It
// is the log-service boundary's Flush(groupBytes) -> futureHandle,
// generalized into a blocking call made from inside a goroutine the
// Writer manages; see Writer.startFlush.
type FlushFunc func(ctx context.Context, lines []response.AppLogLine) error

// Writer implements AppLogsWriter.
type Writer struct {
	maxBytesToFlush       int
	maxLogMessageLength   int
	maxSecondsBetweenFlush float64

	sink  *response.Sink
	flush FlushFunc

	// flushToken is a buffered channel of size 1 holding the "no flush in
	// flight" token, exactly as storage.RowWriter's encoding/writing
	// channels serialize access. Held (empty) while a flush is running.
	flushToken chan struct{}

	mu             sync.Mutex
	stopwatchStart time.Time
	stopwatchOn    bool
}

// Config carries AppLogsWriter's immutable-after-construction settings.
type Config struct {
	MaxBytesToFlush        int
	MaxLogMessageLength     int // must be >= 1024
	MaxSecondsBetweenFlush  float64
}

// New constructs a Writer. MaxLogMessageLength is clamped up to 1024 if
// given smaller, per spec.md §3's "maxLogMessageLength >= 1024" invariant.
func New(cfg Config, sink *response.Sink, flush FlushFunc) *Writer {
	if cfg.MaxLogMessageLength < 1024 {
		cfg.MaxLogMessageLength = 1024
	}
	tok := make(chan struct{}, 1)
	tok <- struct{}{}
	return &Writer{
		maxBytesToFlush:        cfg.MaxBytesToFlush,
		maxLogMessageLength:    cfg.MaxLogMessageLength,
		maxSecondsBetweenFlush: cfg.MaxSecondsBetweenFlush,
		sink:                   sink,
		flush:                  flush,
		flushToken:             tok,
	}
}

// suffixLen/prefixLen let split() reason about how much of the window a
// continuation marker consumes.
var (
	suffixLen = len(continuedSuffix)
	prefixLen = len(continuedPrefix)
)

// split breaks msg into pieces of about maxLen, per spec.md §4.2. The
// continuation suffix is appended after the cut, so a piece cut at a
// newline (or carrying the continuation prefix) can exceed maxLen by up to
// suffixLen: prefer cutting at the last newline within the window if that
// yields at least 10% of the window; otherwise cut at maxLen-suffixLen, stepping
// back one code unit if the cut would split a UTF-16 surrogate pair (the
// source runtime's strings are UTF-16; Go's are UTF-8, so "surrogate
// pair" here means "do not split a multi-byte rune").
func split(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var pieces []string
	rest := msg
	first := true
	for len(rest) > maxLen {
		window := rest[:maxLen]
		cut := -1
		if idx := lastIndexByte(window, '\n'); idx >= 0 && idx+1 >= maxLen/10 {
			cut = idx + 1 // include the newline in the piece that precedes it
		}
		if cut < 0 {
			cut = maxLen - suffixLen
			if cut < 1 {
				cut = 1
			}
			for cut > 0 && isUTF8Continuation(rest, cut) {
				cut--
			}
		}
		piece := rest[:cut]
		if !first {
			if len(continuedPrefix)+len(piece) <= maxLen {
				piece = continuedPrefix + piece
			}
		}
		piece += continuedSuffix
		pieces = append(pieces, piece)
		rest = rest[cut:]
		first = false
	}
	last := rest
	if !first && len(continuedPrefix)+len(last) <= maxLen {
		last = continuedPrefix + last
	}
	pieces = append(pieces, last)
	return pieces
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// isUTF8Continuation reports whether cutting rest at byte offset cut would
// land inside a multi-byte UTF-8 rune (the re-architected "surrogate
// pair" check — Go strings are UTF-8, not UTF-16, so the equivalent unsafe
// cut point is a continuation byte).
func isUTF8Continuation(rest string, cut int) bool {
	if cut <= 0 || cut >= len(rest) {
		return false
	}
	return !utf8.RuneStart(rest[cut])
}

// JoinSplit reassembles pieces produced by split/AddLogRecord back into
// the original message, stripping the continuation markers. Used by the
// round-trip property in spec.md §8.
func JoinSplit(pieces []string) string {
	var out []byte
	for i, p := range pieces {
		s := p
		if i > 0 {
			s = trimPrefix(s, continuedPrefix)
		}
		if i < len(pieces)-1 {
			s = trimSuffix(s, continuedSuffix)
		}
		out = append(out, s...)
	}
	return string(out)
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func trimSuffix(s, suffix string) string {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}

// AddLogRecord implements spec.md §4.2's addLogRecord.
func (w *Writer) AddLogRecord(ctx context.Context, rec Record) {
	pieces := split(rec.Message, w.maxLogMessageLength)
	for _, p := range pieces {
		size := len(p)
		if w.maxBytesToFlush > 0 && w.sink.PendingAppLogByteCount()+size > w.maxBytesToFlush {
			w.waitForInFlightFlush(ctx)
			w.startFlush(ctx)
		}
		w.sink.AppendAppLog(response.AppLogLine{
			Level:       rec.Level,
			TimestampUs: rec.TimestampUs,
			Message:     p,
			File:        rec.File,
			Line:        rec.Line,
			Function:    rec.Function,
		})
		w.startStopwatchIfIdle()
	}
	if w.stopwatchExceeded() {
		w.startFlush(ctx)
	}
}

func (w *Writer) startStopwatchIfIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopwatchOn {
		w.stopwatchOn = true
		w.stopwatchStart = time.Now()
	}
}

func (w *Writer) stopwatchExceeded() bool {
	if w.maxSecondsBetweenFlush <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopwatchOn {
		return false
	}
	return time.Since(w.stopwatchStart).Seconds() > w.maxSecondsBetweenFlush
}

func (w *Writer) resetStopwatch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopwatchOn = false
}

// waitForInFlightFlush blocks until no flush is in flight, without
// consuming the token (so a subsequent startFlush can acquire it).
// Per spec.md §4.2: "an interrupted wait on a flush must set the caller's
// cancellation bit and continue (never abort the request)".
func (w *Writer) waitForInFlightFlush(ctx context.Context) {
	select {
	case tok := <-w.flushToken:
		w.flushToken <- tok
	case <-ctx.Done():
		// Cancellation observed; the request continues regardless — we
		// simply stop waiting for the in-flight flush to clear.
	}
}

// startFlush starts a new asynchronous flush if there is anything pending,
// enforcing the single-flight invariant via flushToken.
func (w *Writer) startFlush(ctx context.Context) {
	select {
	case <-w.flushToken: // acquired: no flush was in flight.
	case <-ctx.Done():
		return
	}
	batch := w.sink.FlushPendingAppLogs()
	w.resetStopwatch()
	if len(batch) == 0 {
		w.flushToken <- struct{}{}
		return
	}
	go func() {
		defer func() { w.flushToken <- struct{}{} }()
		if err := w.flush(ctx, batch); err != nil {
			logx.Debug.Println("applog: flush failed (best-effort, logs may be lost):", err)
		}
	}()
}

// FlushAndWait implements spec.md §4.2's flushAndWait: wait for any
// in-flight flush, start a final flush if lines remain, wait for that one
// too, then return.
func (w *Writer) FlushAndWait(ctx context.Context) {
	w.waitAndAcquire(ctx)
	batch := w.sink.FlushPendingAppLogs()
	w.resetStopwatch()
	if len(batch) == 0 {
		w.flushToken <- struct{}{}
		return
	}
	err := w.flush(ctx, batch)
	w.flushToken <- struct{}{}
	if err != nil {
		logx.Debug.Println("applog: final flush failed (best-effort, logs may be lost):", err)
	}
}

// waitAndAcquire blocks until the flush token is available and takes it,
// i.e. waits for any in-flight flush and then holds the "flush in
// progress" state for the duration of FlushAndWait's own synchronous
// flush.
func (w *Writer) waitAndAcquire(ctx context.Context) {
	select {
	case <-w.flushToken:
	case <-ctx.Done():
		// Even on cancellation we must eventually proceed; block
		// uninterruptibly since flushAndWait is a finalization-path call
		// that must complete (spec.md §4.1 finishRequest ordering).
		<-w.flushToken
	}
}
