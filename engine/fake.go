package engine

import (
	"context"
	"net/http"
	"sync"

	"github.com/m-lab/apprun/request"
	"github.com/m-lab/apprun/response"
)

// Handler is the user-code shape the Fake engine dispatches to: given the
// request and response sink, it does whatever work it likes and returns
// an error if the handler fails.
type Handler func(ctx context.Context, req request.Request, sink *response.Sink, state *request.State) error

// Fake is a deterministic in-memory Engine double. Construct it with
// NewFake, which sets its handler; safe for concurrent ServiceRequest calls.
type Fake struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	versions []request.AppVersion
	handler  Handler
}

// NewFake returns a Fake engine dispatching every ServiceRequest to h. A
// nil h fills in a default 200/OK response, matching what RequestRunner's
// background-worker path expects when the handler produces no response.
func NewFake(h Handler) *Fake {
	if h == nil {
		h = func(ctx context.Context, req request.Request, sink *response.Sink, state *request.State) error {
			sink.SetHTTPResponse(response.HTTPResponse{StatusCode: http.StatusOK})
			return nil
		}
	}
	return &Fake{handler: h}
}

func (f *Fake) Start(ctx context.Context, info StartInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *Fake) AddAppVersion(ctx context.Context, v request.AppVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions = append(f.versions, v)
	return nil
}

func (f *Fake) ServiceRequest(ctx context.Context, req request.Request, sink *response.Sink, state *request.State) error {
	return f.handler(ctx, req, sink, state)
}

func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

// Started reports whether Start has been called, for tests.
func (f *Fake) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Stopped reports whether Stop has been called, for tests.
func (f *Fake) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// Versions returns a snapshot of every AppVersion installed via
// AddAppVersion, for tests.
func (f *Fake) Versions() []request.AppVersion {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]request.AppVersion, len(f.versions))
	copy(out, f.versions)
	return out
}

// fakeFlushHandle is a FlushHandle that completes immediately with a
// fixed error (nil for success).
type fakeFlushHandle struct {
	done chan struct{}
	err  error
}

func newFakeFlushHandle(err error) *fakeFlushHandle {
	h := &fakeFlushHandle{done: make(chan struct{}), err: err}
	close(h.done)
	return h
}

func (h *fakeFlushHandle) Cancel()            {}
func (h *fakeFlushHandle) Done() <-chan struct{} { return h.done }
func (h *fakeFlushHandle) Err() error          { return h.err }

// FakeLogFlushService is a deterministic LogFlushService double: every
// Flush call records the group it was given and completes immediately.
type FakeLogFlushService struct {
	mu     sync.Mutex
	groups [][]byte
	failOn int // if > 0, the failOn'th call (1-indexed) fails
	calls  int
}

// NewFakeLogFlushService returns a FakeLogFlushService that always
// succeeds.
func NewFakeLogFlushService() *FakeLogFlushService {
	return &FakeLogFlushService{}
}

// FailOnCall arranges for the n'th Flush call (1-indexed) to fail, for
// tests exercising the log-service's "best-effort" recovery policy.
func (s *FakeLogFlushService) FailOnCall(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn = n
}

func (s *FakeLogFlushService) Flush(ctx context.Context, group []byte) (FlushHandle, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.groups = append(s.groups, group)
	failOn := s.failOn
	s.mu.Unlock()

	if failOn > 0 && n == failOn {
		return newFakeFlushHandle(errUnavailable), nil
	}
	return newFakeFlushHandle(nil), nil
}

// Groups returns a snapshot of every group passed to Flush, for tests.
func (s *FakeLogFlushService) Groups() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.groups))
	copy(out, s.groups)
	return out
}

var errUnavailable = &flushUnavailableError{}

type flushUnavailableError struct{}

func (*flushUnavailableError) Error() string { return "log-service temporarily unavailable" }
