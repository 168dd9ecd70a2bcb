// Package response implements MutableUpResponse, the thread-safe
// accumulator into which logs, traces, and the final HTTP payload are
// deposited for a single request. It is grounded on the teacher's
// row.ActiveStats/row.Buffer: one lock guarding a small aggregate, with
// snapshot-returning accessors instead of exposing internal slices.
package response

import "sync"

// AppLogLine is a single application log record as it sits in the response.
type AppLogLine struct {
	Level       string
	TimestampUs int64
	Message     string
	File        string
	Line        int
	Function    string
}

// HTTPResponse is the final HTTP payload, once built.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
	Compressed []byte
}

// Sink is the mutable, lock-protected aggregate described by spec.md §3.
type Sink struct {
	mu sync.Mutex

	errorCode    int
	errorMessage string

	http *HTTPResponse

	traceBytes []byte

	appLogs        []AppLogLine // flushed/historical application-log lines
	pendingAppLogs []AppLogLine // buffered, not yet handed to the log-flush API
	runtimeLogs    []AppLogLine

	terminateClone    bool
	cloneIsUnclean    bool
	userCPUMegacycles int64

	built bool
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// SetError records the error code and message.
func (s *Sink) SetError(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCode = code
	s.errorMessage = message
}

// Error returns the recorded error code and message.
func (s *Sink) Error() (code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCode, s.errorMessage
}

// SetHTTPResponse records the final HTTP response.
func (s *Sink) SetHTTPResponse(r HTTPResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.http = &r
}

// HTTPResponse returns the built HTTP response, applying spec.md §3's
// invariant: if present, status defaults to 400 when zero, and body
// defaults to empty when nil.
func (s *Sink) HTTPResponse() *HTTPResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http == nil {
		return nil
	}
	r := *s.http
	if r.StatusCode == 0 {
		r.StatusCode = 400
	}
	if r.Body == nil {
		r.Body = []byte{}
	}
	return &r
}

// SetTraceBytes records the serialized trace tree.
func (s *Sink) SetTraceBytes(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traceBytes = b
}

// TraceBytes returns the serialized trace tree, or nil if none was set.
func (s *Sink) TraceBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceBytes
}

// AppendAppLog appends an application-log line to the pending (not yet
// flushed) batch, preserving call order. This is the append point
// applog.Writer.AddLogRecord drives.
func (s *Sink) AppendAppLog(line AppLogLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAppLogs = append(s.pendingAppLogs, line)
}

// AppLogs returns a snapshot copy of every application-log line recorded
// for this request, flushed or not, in call order — the view the final
// HTTP-facing response needs.
func (s *Sink) AppLogs() []AppLogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AppLogLine, 0, len(s.appLogs)+len(s.pendingAppLogs))
	out = append(out, s.appLogs...)
	out = append(out, s.pendingAppLogs...)
	return out
}

// PendingAppLogByteCount returns the sum of serialized sizes of the
// application-log lines appended since the last flush. This is the value
// applog.Writer's currentByteCount invariant is checked against.
func (s *Sink) PendingAppLogByteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, l := range s.pendingAppLogs {
		total += len(l.Message)
	}
	return total
}

// FlushPendingAppLogs moves every currently pending application-log line
// into the permanent, flushed history and returns the moved batch (the
// payload applog.Writer hands to the log-flush API). Pending is reset to
// empty, which is how the currentByteCount invariant "resets to 0 on each
// flush" (spec.md §3) is realized.
func (s *Sink) FlushPendingAppLogs() []AppLogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pendingAppLogs
	s.pendingAppLogs = nil
	s.appLogs = append(s.appLogs, batch...)
	out := make([]AppLogLine, len(batch))
	copy(out, batch)
	return out
}

// AppendRuntimeLog appends a runtime-internal log line.
func (s *Sink) AppendRuntimeLog(line AppLogLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimeLogs = append(s.runtimeLogs, line)
}

// RuntimeLogs returns a snapshot copy of the buffered runtime-log lines.
func (s *Sink) RuntimeLogs() []AppLogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AppLogLine, len(s.runtimeLogs))
	copy(out, s.runtimeLogs)
	return out
}

// SetTerminateClone sets the terminate-clone flag.
func (s *Sink) SetTerminateClone(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateClone = v
}

// TerminateClone reports the terminate-clone flag.
func (s *Sink) TerminateClone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminateClone
}

// SetCloneIsUnclean sets the clone-is-unclean-state flag.
func (s *Sink) SetCloneIsUnclean(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cloneIsUnclean = v
}

// CloneIsUnclean reports the clone-is-unclean-state flag.
func (s *Sink) CloneIsUnclean() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneIsUnclean
}

// SetUserCPUMegacycles records the user CPU megacycle count.
func (s *Sink) SetUserCPUMegacycles(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userCPUMegacycles = v
}

// UserCPUMegacycles returns the recorded user CPU megacycle count.
func (s *Sink) UserCPUMegacycles() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userCPUMegacycles
}

// MarkBuilt records that the response has been finalized, so later
// mutation attempts (from a racing deadline action) can be recognized as
// no-ops by callers that check Built() first.
func (s *Sink) MarkBuilt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.built = true
}

// Built reports whether MarkBuilt has been called.
func (s *Sink) Built() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.built
}
