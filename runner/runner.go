// Package runner implements RequestRunner: the per-request driver that
// calls manager.Manager.StartRequest, dispatches on request type, recovers
// from a panicking or erroring handler, and always finalizes via
// FinishRequest. Grounded on cmd/etl_worker/etl_worker.go's handleRequest
// (shouldThrottle/decrementInFlight counter pair, with a deferred
// metrics.PanicToErr turning a panicking handler into an error) and
// subworker's classify-then-run shape.
package runner

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/m-lab/go/logx"

	"github.com/m-lab/apprun/apperr"
	"github.com/m-lab/apprun/background"
	"github.com/m-lab/apprun/engine"
	"github.com/m-lab/apprun/manager"
	"github.com/m-lab/apprun/metrics"
	"github.com/m-lab/apprun/request"
	"github.com/m-lab/apprun/response"
	"github.com/m-lab/apprun/runtimelog"
)

var debugLog = logx.Debug

// defaultMaxInFlight mirrors cmd/etl_worker/etl_worker.go's
// defaultMaxInFlight: a basic throttle on concurrent dispatches, distinct
// from the API-RPC semaphore the manager package already enforces.
const defaultMaxInFlight = 20

// defaultWaitForUserRunnableDeadline is spec.md §4.7's
// waitForUserRunnableDeadline.
const defaultWaitForUserRunnableDeadline = 60 * time.Second

// Config configures a Runner. The zero value is not ready for use; call
// New, which applies defaults.
type Config struct {
	// MaxInFlight caps concurrent dispatches; additional requests are
	// rejected with 429 without ever calling StartRequest. Default 20.
	MaxInFlight int32
	// WaitForUserRunnableDeadline bounds how long a background-worker
	// request waits for its Runnable. Default 60s.
	WaitForUserRunnableDeadline time.Duration
	// Compress, if non-nil, is attempted on a user-handler response body.
	// A nil Compress disables compression entirely. Compression failure
	// is logged and never corrupts the uncompressed response.
	Compress func([]byte) ([]byte, error)
	// ShutdownHook runs synchronously for a shutdown-notification request,
	// before the 200/OK response is built. Optional.
	ShutdownHook func()
	// MarkWorkerDoNotReturnToPool is called after a background-worker
	// request finalizes. The source language pools request-handling
	// threads and marks one as non-reusable after serving a background
	// request; Go's net/http spawns one goroutine per request and never
	// pools them, so this hook is a no-op by default and exists only for
	// a transport that layers its own goroutine pool on top.
	MarkWorkerDoNotReturnToPool func()
}

func (c *Config) setDefaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	if c.WaitForUserRunnableDeadline <= 0 {
		c.WaitForUserRunnableDeadline = defaultWaitForUserRunnableDeadline
	}
	if c.MarkWorkerDoNotReturnToPool == nil {
		c.MarkWorkerDoNotReturnToPool = func() {}
	}
}

// Runner is RequestRunner.
type Runner struct {
	cfg     Config
	manager *manager.Manager
	engine  engine.Engine
	bg      *background.Coordinator

	inFlight int32
}

// New returns a Runner dispatching through mgr/eng/bg.
func New(mgr *manager.Manager, eng engine.Engine, bg *background.Coordinator, cfg Config) *Runner {
	cfg.setDefaults()
	return &Runner{cfg: cfg, manager: mgr, engine: eng, bg: bg}
}

// shouldThrottle reports whether the request should be rejected outright,
// mirroring etl_worker.go's shouldThrottle: increment first, reject (and
// give back the slot) if the new count exceeds the cap.
func (r *Runner) shouldThrottle() bool {
	if atomic.AddInt32(&r.inFlight, 1) > r.cfg.MaxInFlight {
		atomic.AddInt32(&r.inFlight, -1)
		return true
	}
	return false
}

func (r *Runner) decrementInFlight() {
	atomic.AddInt32(&r.inFlight, -1)
}

// InFlight reports the current number of dispatches in progress, for
// tests and diagnostics.
func (r *Runner) InFlight() int32 {
	return atomic.LoadInt32(&r.inFlight)
}

// Manager exposes the underlying manager.Manager, so a transport adapter
// can reach the control-plane operations spec.md §6 lists alongside
// handleRequest (applyCloneSettings, sendDeadline, addAppVersion) without
// Runner itself growing HTTP-shaped methods for each one.
func (r *Runner) Manager() *manager.Manager {
	return r.manager
}

// Run is the per-request driver entry point: startRequest, dispatch,
// recover, finishRequest, respond. It never panics: a panicking handler
// is recovered, logged as fatal, and reflected on the response as an
// AppFailure (or, if it is an out-of-memory condition, terminateClone).
func (r *Runner) Run(parent context.Context, transport request.Transport, req request.Request) {
	if r.shouldThrottle() {
		metrics.RequestCount.WithLabelValues(req.Type.String(), "throttled").Inc()
		transport.FinishWithAppError(http.StatusTooManyRequests, "too many requests in flight")
		return
	}
	defer r.decrementInFlight()

	sink := response.New()
	token, ctx, err := r.manager.StartRequest(parent, transport, req, sink)
	if err != nil {
		metrics.RequestCount.WithLabelValues(req.Type.String(), "start-failed").Inc()
		transport.FinishWithAppError(http.StatusInternalServerError, err.Error())
		return
	}

	start := time.Now()
	dispatchErr := r.dispatchRecovered(ctx, token, req, sink)
	if dispatchErr != nil {
		r.reportFatal(token, sink, dispatchErr)
	}
	metrics.RequestDuration.WithLabelValues(req.Type.String()).Observe(time.Since(start).Seconds())

	r.manager.FinishRequest(token)

	outcome := "OK"
	if dispatchErr != nil {
		outcome = "error"
	}
	metrics.RequestCount.WithLabelValues(req.Type.String(), outcome).Inc()

	r.respond(transport, sink)

	if req.Type == request.BackgroundWorker {
		r.cfg.MarkWorkerDoNotReturnToPool()
	}
}

// dispatchRecovered runs dispatch under a recover, converting a panic into
// the same *apperr.Error shape dispatch itself would have returned.
func (r *Runner) dispatchRecovered(ctx context.Context, token *request.Token, req request.Request, sink *response.Sink) (dispatchErr error) {
	defer func() {
		dispatchErr = metrics.PanicToErr(dispatchErr, recover(), "runner.dispatch")
		if dispatchErr != nil {
			if _, ok := dispatchErr.(*apperr.Error); !ok {
				dispatchErr = apperr.Wrap(apperr.AppFailure, http.StatusInternalServerError, "panic in request dispatch", dispatchErr)
			}
		}
	}()
	return r.dispatch(ctx, token, req, sink)
}

// dispatch classifies req.Type and runs the matching path, per spec.md
// §4.7's "single guarded block".
func (r *Runner) dispatch(ctx context.Context, token *request.Token, req request.Request, sink *response.Sink) error {
	switch req.Type {
	case request.UserHandler:
		return r.dispatchUserHandler(ctx, req, sink, token)
	case request.BackgroundWorker:
		return r.dispatchBackgroundWorker(ctx, req, sink, token)
	case request.ShutdownNotification:
		r.manager.ShutdownRequests(token, r.cfg.ShutdownHook)
		return nil
	default:
		return apperr.New(apperr.AppFailure, http.StatusBadRequest, fmt.Sprintf("unrecognized request type %v", req.Type))
	}
}

func (r *Runner) dispatchUserHandler(ctx context.Context, req request.Request, sink *response.Sink, token *request.Token) error {
	if err := r.engine.ServiceRequest(ctx, req, sink, token.State); err != nil {
		return apperr.Wrap(apperr.AppFailure, http.StatusInternalServerError, "user handler failed", err)
	}

	if r.cfg.Compress == nil {
		return nil
	}
	resp := sink.HTTPResponse()
	if resp == nil || len(resp.Body) == 0 {
		return nil
	}
	compressed, err := r.cfg.Compress(resp.Body)
	if err != nil {
		debugLog.Println("runner: compression failed, serving uncompressed:", err)
		return nil
	}
	resp.Compressed = compressed
	sink.SetHTTPResponse(*resp)
	return nil
}

func (r *Runner) dispatchBackgroundWorker(ctx context.Context, req request.Request, sink *response.Sink, token *request.Token) error {
	bgID := req.Header.Get("X-AppEngine-BackgroundRequest")
	if bgID == "" {
		return apperr.New(apperr.AppFailure, http.StatusBadRequest, "missing X-AppEngine-BackgroundRequest header")
	}

	runnable, err := r.bg.WaitForUserRunnable(ctx, bgID, &passthroughWorker{}, r.cfg.WaitForUserRunnableDeadline)
	if err != nil {
		return apperr.Wrap(apperr.AppFailure, http.StatusInternalServerError, "waiting for background runnable", err)
	}

	runnable(ctx)

	if sink.HTTPResponse() == nil {
		sink.SetHTTPResponse(response.HTTPResponse{StatusCode: http.StatusOK})
	}
	return nil
}

// passthroughWorker is the Worker handle this runtime hands to the
// API-call side of a background-request rendezvous. RequestRunner always
// runs the Runnable inline on the fake request's own goroutine, so
// Run is never called by this package; it exists to satisfy
// background.Worker for API-call sides that want to re-invoke the same
// worker outside this runtime's one-shot usage.
type passthroughWorker struct{}

func (*passthroughWorker) Run(ctx context.Context, r background.Runnable) { r(ctx) }

// reportFatal implements spec.md §4.7's "any exception escaping the
// dispatch is converted to a fatal log line, and if it is (or transitively
// wraps or suppresses) an out-of-memory condition, terminateClone is set".
func (r *Runner) reportFatal(token *request.Token, sink *response.Sink, err error) {
	stack := string(debug.Stack())
	log.Printf("FATAL: request %s dispatch failed: %v\n%s", token.ID, err, stack)

	status := http.StatusInternalServerError
	if ae, ok := err.(*apperr.Error); ok && ae.HTTPStatus != 0 {
		status = ae.HTTPStatus
	}
	sink.SetError(status, err.Error())

	token.RuntimeLog.Record(runtimeLogRecordFor(err, stack))

	if apperr.ShouldTerminate(err) {
		sink.SetTerminateClone(true)
	}
}

func runtimeLogRecordFor(err error, stack string) runtimelog.Record {
	return runtimelog.Record{
		LoggerName:    "apprun.runtime.dispatch",
		Severity:      runtimelog.SeverityError,
		Message:       err.Error(),
		ExceptionText: stack,
		Time:          time.Now(),
	}
}

// respond builds the final HTTP response (or app error) from sink and
// hands it to transport, per spec.md §3's response-sink-to-transport
// boundary.
func (r *Runner) respond(transport request.Transport, sink *response.Sink) {
	sink.MarkBuilt()

	if code, msg := sink.Error(); code != 0 {
		if err := transport.FinishWithAppError(code, msg); err != nil {
			log.Printf("runner: FinishWithAppError failed: %v", err)
		}
		return
	}

	resp := sink.HTTPResponse()
	if resp == nil {
		if err := transport.FinishWithResponse([]byte{}); err != nil {
			log.Printf("runner: FinishWithResponse failed: %v", err)
		}
		return
	}

	body := resp.Body
	if resp.Compressed != nil {
		body = resp.Compressed
	}
	if err := transport.FinishWithResponse(body); err != nil {
		log.Printf("runner: FinishWithResponse failed: %v", err)
	}
}
