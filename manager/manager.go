// Package manager implements RequestManager: request lifecycle,
// deadline scheduling, worker cancellation, finalization, and the
// API-RPC concurrency cap. Grounded on worker/worker.go's
// ProcessGKETask (register → process → defer-unregister under metrics),
// active/throttle.go's wsTokenSource (golang.org/x/sync/semaphore.Weighted
// -backed Acquire/Release with periodic debug-log milestones, generalized
// here to the maxOutstandingApiRpcs cap), and active/poller.go's
// time.NewTicker poll loop, generalized into a scheduled-action runner
// for soft/hard deadline firing.
package manager

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/m-lab/go/logx"

	"github.com/m-lab/apprun/apperr"
	"github.com/m-lab/apprun/cputimer"
	"github.com/m-lab/apprun/metrics"
	"github.com/m-lab/apprun/request"
	"github.com/m-lab/apprun/response"
	"github.com/m-lab/apprun/runtimelog"
	"github.com/m-lab/apprun/trace"
)

var debug = logx.Debug

// Defaults for the deadline pipeline. The Java source's exact constants
// are not reproduced here (they are tuned for a different scheduler);
// these preserve the spec's relative ordering (grace1 < grace2, hard <
// soft) rather than any specific absolute value.
const (
	DefaultSoftDeadlineDelay = 500 * time.Millisecond
	DefaultHardDeadlineDelay = 100 * time.Millisecond
	DefaultRPCPadding        = 500 * time.Millisecond
	DefaultRequestBudget     = 60 * time.Second
	DefaultGracePeriod1      = 150 * time.Millisecond
	DefaultGracePeriod2      = 1 * time.Second
)

// APIHostController is the hook StartRequest's snapshot classification
// drives: enabled by default, disabled as the end-action for a snapshot
// request.
type APIHostController interface {
	Enable()
	Disable()
}

type noopAPIHost struct{}

func (noopAPIHost) Enable()  {}
func (noopAPIHost) Disable() {}

// DeadlockDetector reports whether the runtime's thread-dump facility
// observed a deadlock cycle, and a description if so.
type DeadlockDetector func() (cycle bool, description string)

func noDeadlockDetector() (bool, string) { return false, "" }

// Config carries RequestManager's tunables, the CLI-surface values of
// spec.md §6 routed through here.
type Config struct {
	SoftDeadlineDelay     time.Duration
	HardDeadlineDelay     time.Duration
	RPCPadding            time.Duration
	DefaultRequestBudget  time.Duration
	GracePeriod1          time.Duration
	GracePeriod2          time.Duration
	MaxOutstandingAPIRPCs int64
	RuntimeLogMaxBytes    int

	AlwaysTerminateOnDeadline bool
	DisableDeadlineTimers     bool // for tests

	APIHost          APIHostController
	DeadlockDetector DeadlockDetector
}

func (c *Config) setDefaults() {
	if c.SoftDeadlineDelay == 0 {
		c.SoftDeadlineDelay = DefaultSoftDeadlineDelay
	}
	if c.HardDeadlineDelay == 0 {
		c.HardDeadlineDelay = DefaultHardDeadlineDelay
	}
	if c.RPCPadding == 0 {
		c.RPCPadding = DefaultRPCPadding
	}
	if c.DefaultRequestBudget == 0 {
		c.DefaultRequestBudget = DefaultRequestBudget
	}
	if c.GracePeriod1 == 0 {
		c.GracePeriod1 = DefaultGracePeriod1
	}
	if c.GracePeriod2 == 0 {
		c.GracePeriod2 = DefaultGracePeriod2
	}
	if c.MaxOutstandingAPIRPCs <= 0 {
		c.MaxOutstandingAPIRPCs = 100
	}
	if c.APIHost == nil {
		c.APIHost = noopAPIHost{}
	}
	if c.DeadlockDetector == nil {
		c.DeadlockDetector = noDeadlockDetector
	}
}

// liveRequest is the manager's bookkeeping for one outstanding request,
// kept separate from request.Token because cancellation/timer plumbing
// is the manager's concern, not the token's.
type liveRequest struct {
	token     *request.Token
	cancel    context.CancelFunc
	softTimer *time.Timer
	hardTimer *time.Timer
}

// Manager implements RequestManager.
type Manager struct {
	cfg      Config
	registry *request.Registry

	sem     *semaphore.Weighted
	semSize int64
	semMu   sync.Mutex

	mu   sync.Mutex
	live map[string]*liveRequest
}

// New constructs a Manager bound to registry (the process-wide
// AppVersion slot).
func New(registry *request.Registry, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:      cfg,
		registry: registry,
		sem:      semaphore.NewWeighted(cfg.MaxOutstandingAPIRPCs),
		semSize:  cfg.MaxOutstandingAPIRPCs,
		live:     make(map[string]*liveRequest),
	}
}

// effectiveRemaining applies the RPC-padding clamp of spec.md §4.1's
// deadline tie-break (a): padding is not subtracted if it would exceed
// the reported remaining time.
func effectiveRemaining(reported time.Duration, padding time.Duration, defaultBudget time.Duration) time.Duration {
	if reported <= 0 {
		return defaultBudget
	}
	if reported < padding {
		return reported
	}
	return reported - padding
}

// StartRequest implements spec.md §4.1's startRequest. It returns a
// Token and a context carrying the bound per-request environment and
// cancellation, which the caller must pass down into the dispatched
// handler.
func (m *Manager) StartRequest(parent context.Context, transport request.Transport, req request.Request, sink *response.Sink) (*request.Token, context.Context, error) {
	appVersion, ok := m.registry.Get()
	if !ok {
		return nil, nil, fmt.Errorf("manager: StartRequest called with no AppVersion installed")
	}

	id := request.DeriveRequestID(transport.GetGlobalID())
	remaining := effectiveRemaining(transport.GetTimeRemaining(), m.cfg.RPCPadding, m.cfg.DefaultRequestBudget)
	now := time.Now()
	hardDeadline := now.Add(remaining)

	state := request.NewState()

	var tw *trace.Writer
	if req.Trace.Present && req.Trace.TraceMask&0x1 != 0 {
		opts := []trace.Option{}
		if req.Type == request.BackgroundWorker {
			opts = append(opts, trace.ForBackgroundRequest())
		}
		tw = trace.New(req.Trace.TraceIDHi, req.Trace.TraceIDLo, opts...)
	}

	ctx, cancel := context.WithDeadline(parent, hardDeadline)
	env := &request.Environment{
		AppVersion:     appVersion,
		RequestID:      id,
		SecurityTicket: req.SecurityTicket,
	}
	ctx = request.WithEnvironment(ctx, env)

	timer := cputimer.New()
	timer.Start()

	endAction := request.EndAction(request.NoopEndAction)
	m.cfg.APIHost.Enable()
	if req.URL == "/_ah/snapshot" && req.Header.Get("X-AppEngine-Snapshot") != "" {
		endAction = m.cfg.APIHost.Disable
	}

	token := &request.Token{
		ID:             id,
		SecurityTicket: req.SecurityTicket,
		Type:           req.Type,
		Sink:           sink,
		Timer:          timer,
		Trace:          tw,
		State:          state,
		AppVersion:     appVersion,
		HardDeadline:   hardDeadline,
		StartTime:      now,
		Transport:      transport,
		EndAction:      endAction,
		RuntimeLog:     runtimelog.New(m.cfg.RuntimeLogMaxBytes),
	}

	lr := &liveRequest{token: token, cancel: cancel}
	m.mu.Lock()
	m.live[id] = lr
	m.mu.Unlock()
	metrics.OutstandingRequests.Inc()

	if !m.cfg.DisableDeadlineTimers {
		softDelay := remaining - m.cfg.SoftDeadlineDelay
		if softDelay < 0 {
			softDelay = 0
		}
		lr.softTimer = time.AfterFunc(softDelay, func() {
			runScheduledAction(func() { m.sendDeadline(id, false) })
		})
	}

	return token, ctx, nil
}

// AcquireAPIRPC blocks until an outbound-API-RPC permit is available.
func (m *Manager) AcquireAPIRPC(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return apperr.Wrap(apperr.CancelledRpc, 499, "acquiring API RPC permit", err)
	}
	metrics.APIRPCSemaphoreInUse.Inc()
	return nil
}

// ReleaseAPIRPC releases a permit acquired via AcquireAPIRPC.
func (m *Manager) ReleaseAPIRPC() {
	m.sem.Release(1)
	metrics.APIRPCSemaphoreInUse.Dec()
}

// ApplyMaxOutstandingAPIRPCs changes the concurrency cap at runtime, per
// spec.md §4.1's "permit count is dynamically adjustable". Implemented
// by swapping in a freshly sized semaphore; permits already checked out
// against the old semaphore are unaffected, matching the source's
// resize-without-disruption behavior.
func (m *Manager) ApplyMaxOutstandingAPIRPCs(n int64) {
	if n <= 0 {
		return
	}
	m.semMu.Lock()
	defer m.semMu.Unlock()
	m.sem = semaphore.NewWeighted(n)
	m.semSize = n
}

// Registry exposes the process-wide AppVersion registry, so a
// transport-facing addAppVersion operation can install a version without
// the transport package reimplementing the one-shot-install rule.
func (m *Manager) Registry() *request.Registry {
	return m.registry
}

// SendDeadline is the transport-facing entry point for spec.md §6's
// sendDeadline(transport, deadlineInfo): a hard-deadline notification
// received directly from the transport, keyed by request id, rather than
// fired by one of the internal scheduled timers.
func (m *Manager) SendDeadline(id string, isHard bool) {
	m.sendDeadline(id, isHard)
}

// sendDeadline implements spec.md §4.1's deadline pipeline.
func (m *Manager) sendDeadline(id string, isHard bool) {
	m.mu.Lock()
	lr, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return // already finished; tie-break (d).
	}
	token := lr.token
	if token.Finished() {
		return
	}

	if cycle, desc := m.cfg.DeadlockDetector(); cycle {
		log.Printf("manager: deadlock detected for request %s: %s", id, desc)
		token.Sink.SetError(500, "deadlock detected: "+desc)
		m.finalizeLocked(token, lr)
		return
	}

	if !isHard {
		metrics.DeadlineEscalations.WithLabelValues("soft").Inc()
		token.State.DisableNewRequestThreadCreation()

		for _, f := range token.Futures() {
			f.Cancel()
		}
		m.waitOrTimeout(token, m.cfg.GracePeriod1)
		if token.Finished() {
			return
		}

		for _, w := range token.State.Workers() {
			w.Interrupt()
		}
		m.waitOrTimeout(token, m.cfg.GracePeriod2)

		token.State.MarkSoftDeadlinePassed()
		if token.Finished() {
			return
		}

		lr.cancel() // inject the recoverable deadline-exceeded signal.
		hardDelay := m.cfg.SoftDeadlineDelay - m.cfg.HardDeadlineDelay
		if hardDelay < 0 {
			hardDelay = 0
		}
		m.mu.Lock()
		if cur, ok := m.live[id]; ok {
			cur.hardTimer = time.AfterFunc(hardDelay, func() {
				runScheduledAction(func() { m.sendDeadline(id, true) })
			})
		}
		m.mu.Unlock()
		return
	}

	metrics.DeadlineEscalations.WithLabelValues("hard").Inc()
	token.State.MarkHardDeadlinePassed()
	lr.cancel()
	token.Sink.SetTerminateClone(true)
	if m.cfg.AlwaysTerminateOnDeadline {
		token.Sink.SetCloneIsUnclean(true)
	}
}

// runScheduledAction runs fn with a panic-to-metric-and-repanic guard: fn
// executes on the goroutine time.AfterFunc spawns for it, which has no
// other recover in its call stack, so a panicking scheduled action would
// otherwise crash the process silently.
func runScheduledAction(fn func()) {
	defer func() {
		metrics.CountPanics(recover(), "manager.scheduled_action")
	}()
	fn()
}

// waitOrTimeout blocks until token finishes or grace elapses, whichever
// comes first. It exists only to give the deadline pipeline its bounded
// wait steps without duplicating the select at each call site.
func (m *Manager) waitOrTimeout(token *request.Token, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if token.Finished() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// finalizeLocked builds a minimal response and removes bookkeeping for a
// request terminated by deadlock detection, bypassing the rest of the
// pipeline per spec.md §4.1.
func (m *Manager) finalizeLocked(token *request.Token, lr *liveRequest) {
	token.MarkFinished()
	if lr.softTimer != nil {
		lr.softTimer.Stop()
	}
	if lr.hardTimer != nil {
		lr.hardTimer.Stop()
	}
	lr.cancel()
	token.Sink.SetHTTPResponse(response.HTTPResponse{StatusCode: 500, Body: []byte("deadlock detected")})
	token.Sink.MarkBuilt()
	m.mu.Lock()
	delete(m.live, token.ID)
	m.mu.Unlock()
	metrics.OutstandingRequests.Dec()
}

// joinWorkers implements spec.md §5's worker-join policy during
// finalization: if the hard deadline has already passed, no worker is
// waited on; each is checked without blocking, and if any is still running
// ThreadsStillRunning is reported as a hard error on the response
// (spec.md §8's invariant that after finishRequest returns,
// requestThreads() is empty or the response carries ThreadsStillRunning).
// Otherwise each worker gets a bounded grace-period wait; a worker still
// running after that grace period gets a warning logged with its stack,
// and the join then continues unbounded for that worker.
func (m *Manager) joinWorkers(token *request.Token, workers []request.Worker) {
	if token.State.HardDeadlinePassed() {
		for _, w := range workers {
			select {
			case <-w.Done():
			default:
				err := apperr.New(apperr.ThreadsStillRunning, http.StatusInternalServerError, "worker threads still running after hard deadline")
				token.Sink.SetError(err.HTTPStatus, err.Error())
				return
			}
		}
		return
	}

	for _, w := range workers {
		select {
		case <-w.Done():
		case <-time.After(m.cfg.GracePeriod2):
			log.Printf("manager: request %s worker did not terminate within grace period, stack:\n%s", token.ID, w.Stack())
			<-w.Done()
		}
	}
}

// FinishRequest implements spec.md §4.1's finishRequest.
func (m *Manager) FinishRequest(token *request.Token) {
	token.State.DisableNewRequestThreadCreation()

	workers := token.State.Workers()
	for _, w := range workers {
		w.Interrupt()
	}

	if token.Trace != nil {
		if bytes, err := token.Trace.FlushTrace(); err == nil {
			token.Sink.SetTraceBytes(bytes)
		} else {
			debug.Println("manager: trace flush failed:", err)
		}
	}

	// Futures are canceled and drained concurrently, grounded on
	// active/runnable.go's RunAll join pattern: total wait is bounded by
	// GracePeriod1 regardless of how many futures are outstanding, rather
	// than by their sum.
	var g errgroup.Group
	for _, f := range token.Futures() {
		f := f
		g.Go(func() error {
			f.Cancel()
			select {
			case <-f.Done():
			case <-time.After(m.cfg.GracePeriod1):
				debug.Println("manager: future did not drain within grace period")
			}
			return nil
		})
	}
	g.Wait()

	m.joinWorkers(token, workers)

	m.mu.Lock()
	lr, ok := m.live[token.ID]
	if ok {
		delete(m.live, token.ID)
	}
	m.mu.Unlock()
	metrics.OutstandingRequests.Dec()

	token.Timer.Stop()
	token.Sink.SetUserCPUMegacycles(token.Timer.UserMegacycles())

	if ok {
		if lr.softTimer != nil {
			lr.softTimer.Stop()
		}
		if lr.hardTimer != nil {
			lr.hardTimer.Stop()
		}
		lr.cancel()
	}

	if token.EndAction != nil {
		token.EndAction()
	}

	token.RuntimeLog.FlushLogs(token.Sink)

	token.MarkFinished()
}

// ShutdownRequests implements spec.md §4.1's shutdownRequests: invoke an
// application shutdown hook if one is registered, log memory stats and
// stack traces, and write a 200/OK response.
func (m *Manager) ShutdownRequests(token *request.Token, hook func()) {
	if hook != nil {
		hook()
	}
	log.Println("manager: shutdown requested, finalizing clone")
	token.Sink.SetHTTPResponse(response.HTTPResponse{StatusCode: 200, Body: []byte("ok")})
	token.Sink.MarkBuilt()
}

// OutstandingCount reports the number of currently live requests, for
// tests and diagnostics.
func (m *Manager) OutstandingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
