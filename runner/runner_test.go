package runner

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/apprun/background"
	"github.com/m-lab/apprun/engine"
	"github.com/m-lab/apprun/manager"
	"github.com/m-lab/apprun/request"
	"github.com/m-lab/apprun/response"
)

type fakeTransport struct {
	remaining time.Duration
	globalID  uint64

	mu           sync.Mutex
	respBody     []byte
	respCalled   bool
	errCode      int
	errDetail    string
	errCalled    bool
}

func (f *fakeTransport) FinishWithResponse(body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respCalled = true
	f.respBody = body
	return nil
}

func (f *fakeTransport) FinishWithAppError(code int, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errCalled = true
	f.errCode = code
	f.errDetail = detail
	return nil
}

func (f *fakeTransport) GetTimeRemaining() time.Duration { return f.remaining }
func (f *fakeTransport) GetStartTimeMillis() int64       { return 0 }
func (f *fakeTransport) GetGlobalID() uint64              { return f.globalID }

func (f *fakeTransport) snapshot() (respCalled bool, body []byte, errCalled bool, errCode int, errDetail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.respCalled, f.respBody, f.errCalled, f.errCode, f.errDetail
}

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	reg := request.NewRegistry()
	if err := reg.Add(request.AppVersion{AppID: "app", VersionID: "1"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return manager.New(reg, manager.Config{DisableDeadlineTimers: true})
}

func TestRunUserHandlerHappyPath(t *testing.T) {
	m := newTestManager(t)
	eng := engine.NewFake(func(ctx context.Context, req request.Request, sink *response.Sink, state *request.State) error {
		sink.SetHTTPResponse(response.HTTPResponse{StatusCode: http.StatusOK, Body: []byte("hello")})
		return nil
	})
	r := New(m, eng, background.New(), Config{})

	tr := &fakeTransport{remaining: time.Minute, globalID: 1}
	r.Run(context.Background(), tr, request.Request{Type: request.UserHandler, Header: http.Header{}})

	respCalled, body, errCalled, _, _ := tr.snapshot()
	if errCalled {
		t.Fatal("did not expect FinishWithAppError")
	}
	if !respCalled || string(body) != "hello" {
		t.Fatalf("respCalled=%v body=%q", respCalled, body)
	}
}

func TestRunThrottleRejectsOverCap(t *testing.T) {
	m := newTestManager(t)
	r := New(m, engine.NewFake(nil), background.New(), Config{MaxInFlight: 1})
	r.inFlight = 1 // simulate one dispatch already in flight

	tr := &fakeTransport{remaining: time.Minute, globalID: 2}
	r.Run(context.Background(), tr, request.Request{Type: request.UserHandler, Header: http.Header{}})

	_, _, errCalled, errCode, _ := tr.snapshot()
	if !errCalled || errCode != http.StatusTooManyRequests {
		t.Fatalf("errCalled=%v errCode=%d, want 429", errCalled, errCode)
	}
}

func TestRunPanicRecoveredSetsAppFailure(t *testing.T) {
	m := newTestManager(t)
	eng := engine.NewFake(func(ctx context.Context, req request.Request, sink *response.Sink, state *request.State) error {
		panic("boom")
	})
	r := New(m, eng, background.New(), Config{})

	tr := &fakeTransport{remaining: time.Minute, globalID: 3}
	r.Run(context.Background(), tr, request.Request{Type: request.UserHandler, Header: http.Header{}})

	_, _, errCalled, errCode, errDetail := tr.snapshot()
	if !errCalled || errCode != http.StatusInternalServerError {
		t.Fatalf("errCalled=%v errCode=%d, want 500", errCalled, errCode)
	}
	if errDetail == "" {
		t.Fatal("expected a non-empty error detail")
	}
}

func TestRunHandlerErrorIsFatalNotPanic(t *testing.T) {
	m := newTestManager(t)
	eng := engine.NewFake(func(ctx context.Context, req request.Request, sink *response.Sink, state *request.State) error {
		return errors.New("handler failed")
	})
	r := New(m, eng, background.New(), Config{})

	tr := &fakeTransport{remaining: time.Minute, globalID: 4}
	r.Run(context.Background(), tr, request.Request{Type: request.UserHandler, Header: http.Header{}})

	_, _, errCalled, errCode, _ := tr.snapshot()
	if !errCalled || errCode != http.StatusInternalServerError {
		t.Fatalf("errCalled=%v errCode=%d, want 500", errCalled, errCode)
	}
}

func TestRunCompressionFailureNonFatal(t *testing.T) {
	m := newTestManager(t)
	eng := engine.NewFake(func(ctx context.Context, req request.Request, sink *response.Sink, state *request.State) error {
		sink.SetHTTPResponse(response.HTTPResponse{StatusCode: http.StatusOK, Body: []byte("plain")})
		return nil
	})
	r := New(m, eng, background.New(), Config{
		Compress: func(b []byte) ([]byte, error) { return nil, errors.New("compressor unavailable") },
	})

	tr := &fakeTransport{remaining: time.Minute, globalID: 5}
	r.Run(context.Background(), tr, request.Request{Type: request.UserHandler, Header: http.Header{}})

	respCalled, body, errCalled, _, _ := tr.snapshot()
	if errCalled {
		t.Fatal("compression failure must not surface as an app error")
	}
	if !respCalled || string(body) != "plain" {
		t.Fatalf("respCalled=%v body=%q, want uncompressed body preserved", respCalled, body)
	}
}

func TestRunBackgroundWorkerRunsDeliveredRunnable(t *testing.T) {
	m := newTestManager(t)
	bg := background.New()
	ran := make(chan struct{})
	waitErr := make(chan error, 1)
	go func() {
		_, err := bg.WaitForThreadStart(context.Background(), "bg-1", func(ctx context.Context) {
			close(ran)
		}, time.Second)
		waitErr <- err
	}()

	r := New(m, engine.NewFake(nil), bg, Config{})
	tr := &fakeTransport{remaining: time.Minute, globalID: 6}
	h := http.Header{}
	h.Set("X-AppEngine-BackgroundRequest", "bg-1")
	r.Run(context.Background(), tr, request.Request{Type: request.BackgroundWorker, Header: h})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("runnable never ran")
	}
	if err := <-waitErr; err != nil {
		t.Fatalf("WaitForThreadStart: %v", err)
	}

	respCalled, body, errCalled, _, _ := tr.snapshot()
	if errCalled {
		t.Fatal("did not expect FinishWithAppError")
	}
	if !respCalled {
		t.Fatal("expected FinishWithResponse to be called")
	}
	_ = body
}

func TestRunBackgroundWorkerMissingHeaderIsFatal(t *testing.T) {
	m := newTestManager(t)
	r := New(m, engine.NewFake(nil), background.New(), Config{})
	tr := &fakeTransport{remaining: time.Minute, globalID: 7}
	r.Run(context.Background(), tr, request.Request{Type: request.BackgroundWorker, Header: http.Header{}})

	_, _, errCalled, errCode, _ := tr.snapshot()
	if !errCalled || errCode != http.StatusBadRequest {
		t.Fatalf("errCalled=%v errCode=%d, want 400", errCalled, errCode)
	}
}

func TestRunShutdownNotificationInvokesHook(t *testing.T) {
	m := newTestManager(t)
	hookCalled := false
	r := New(m, engine.NewFake(nil), background.New(), Config{
		ShutdownHook: func() { hookCalled = true },
	})
	tr := &fakeTransport{remaining: time.Minute, globalID: 8}
	r.Run(context.Background(), tr, request.Request{Type: request.ShutdownNotification, Header: http.Header{}})

	if !hookCalled {
		t.Fatal("expected shutdown hook to be invoked")
	}
	respCalled, _, errCalled, _, _ := tr.snapshot()
	if errCalled || !respCalled {
		t.Fatalf("respCalled=%v errCalled=%v, want a plain 200 response", respCalled, errCalled)
	}
}
