package request

import (
	"sync"
	"time"

	"github.com/m-lab/apprun/cputimer"
	"github.com/m-lab/apprun/response"
	"github.com/m-lab/apprun/runtimelog"
	"github.com/m-lab/apprun/trace"
)

// Transport is the boundary the core consumes to finish a request and
// query timing/identity facts about it (spec.md §6).
type Transport interface {
	FinishWithResponse(body []byte) error
	FinishWithAppError(code int, detail string) error
	GetTimeRemaining() time.Duration
	GetStartTimeMillis() int64
	GetGlobalID() uint64
}

// Future is an outstanding asynchronous operation issued on behalf of a
// request (an API RPC, a scheduled background task) that finishRequest
// must drain before finalizing. Grounded on active/throttle.go's
// throttledRunnable.release pattern: a single function, called exactly
// once, that returns the resource.
type Future interface {
	// Cancel asks the future to stop; safe to call after it has already
	// completed.
	Cancel()
	// Done returns a channel closed once the future has completed,
	// whether normally or via Cancel.
	Done() <-chan struct{}
}

// EndAction runs at finalization, after the response sink has been
// populated but before it is handed back to the transport. Used for the
// snapshot-request "disable API host" action and its no-op default.
type EndAction func()

// NoopEndAction is the default end-action for a non-snapshot request.
func NoopEndAction() {}

// Token is the opaque per-request handle described by spec.md §3's
// RequestToken. A Token is created by manager.Manager.StartRequest
// and destroyed by exactly one matching FinishRequest call.
//
// The source language identifies "the driver thread" by native thread
// identity; Go has no public goroutine-identity API, so this is
// re-architected per spec.md DESIGN NOTES §9: possession of the Token
// value itself is the capability that stands in for "is the driver",
// and FinishRequest's precondition is enforced by convention (only the
// goroutine that received the Token from StartRequest ever calls
// FinishRequest on it) rather than by a runtime identity check.
type Token struct {
	ID             string
	SecurityTicket string
	Type           Type

	Sink       *response.Sink
	Timer      *cputimer.Timer
	Trace      *trace.Writer // nil if tracing was not requested
	State      *State
	AppVersion AppVersion

	// RuntimeLog is bound one-per-request rather than process-wide as
	// spec.md §4.5 literally describes, because Go serves requests on
	// genuinely parallel goroutines: a single process-wide sink would
	// attribute one request's runtime log lines to whichever request
	// happened to call FlushLogs first. Binding one instance per request
	// via this field (instead of a shared global) preserves the sink's
	// byte-cap/dedup semantics while staying correct under concurrency.
	RuntimeLog *runtimelog.Sink

	HardDeadline time.Time
	StartTime    time.Time

	Transport Transport
	EndAction EndAction

	mu       sync.Mutex
	futures  []Future
	finished bool
}

// AddFuture registers a future issued on behalf of this request, so
// finishRequest can drain it.
func (t *Token) AddFuture(f Future) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.futures = append(t.futures, f)
}

// Futures returns a snapshot of the futures registered so far.
func (t *Token) Futures() []Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Future, len(t.futures))
	copy(out, t.futures)
	return out
}

// MarkFinished records that finishRequest has run to completion. Racing
// deadline actions observe Finished() == true and must no-op (spec.md
// §3's "if deadline injection races with normal completion, normal
// completion wins").
func (t *Token) MarkFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
}

// Finished reports whether finishRequest has already completed.
func (t *Token) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// RemainingTime returns the time left until HardDeadline, clamped to 0.
func (t *Token) RemainingTime(now time.Time) time.Duration {
	d := t.HardDeadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
