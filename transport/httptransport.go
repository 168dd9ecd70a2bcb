// Package transport implements request.Transport over HTTP, plus the
// gorilla/mux-routed demo Server that dispatches AppEngine-flex-style
// requests (user requests, `/_ah/*` lifecycle hooks, background-worker
// fan-out) into a runner.Runner. Grounded on
// cmd/etl_worker/etl_worker.go's http.HandleFunc registrations and its
// reading of X-AppEngine-Task* headers.
package transport

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/m-lab/apprun/config"
	"github.com/m-lab/apprun/metrics"
	"github.com/m-lab/apprun/request"
	"github.com/m-lab/apprun/runner"
	"github.com/m-lab/apprun/trace"
)

// HTTPTransport implements request.Transport over a single in-flight
// http.ResponseWriter. Exactly one of FinishWithResponse/FinishWithAppError
// is expected to be called, matching the transport boundary's contract
// (spec.md §6); a second call is a silent no-op so a racing deadline path
// can never double-write the ResponseWriter.
type HTTPTransport struct {
	w           http.ResponseWriter
	globalID    uint64
	startMillis int64
	remaining   time.Duration

	mu       sync.Mutex
	finished bool
	done     chan struct{}
}

func newHTTPTransport(w http.ResponseWriter, remaining time.Duration) *HTTPTransport {
	return &HTTPTransport{
		w:           w,
		globalID:    request.NextGlobalID(),
		startMillis: time.Now().UnixMilli(),
		remaining:   remaining,
		done:        make(chan struct{}),
	}
}

// FinishWithResponse writes body as the HTTP response body with a 200
// status, unless a prior Finish* call already completed the response.
func (t *HTTPTransport) FinishWithResponse(body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil
	}
	t.finished = true
	defer close(t.done)
	_, err := t.w.Write(body)
	return err
}

// FinishWithAppError writes detail as the HTTP response body with the
// given status code, unless a prior Finish* call already completed the
// response.
func (t *HTTPTransport) FinishWithAppError(code int, detail string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return nil
	}
	t.finished = true
	defer close(t.done)
	t.w.WriteHeader(code)
	_, err := fmt.Fprint(t.w, detail)
	return err
}

// GetTimeRemaining reports the remaining time budget on this request.
func (t *HTTPTransport) GetTimeRemaining() time.Duration { return t.remaining }

// GetStartTimeMillis reports the Unix-millis time this transport was
// created, approximating "when the RPC reached the process".
func (t *HTTPTransport) GetStartTimeMillis() int64 { return t.startMillis }

// GetGlobalID returns the monotonically increasing id request.Token.ID is
// derived from.
func (t *HTTPTransport) GetGlobalID() uint64 { return t.globalID }

// Done returns a channel closed once a Finish* call has completed, so the
// HTTP handler goroutine can block until runner.Runner.Run has responded.
func (t *HTTPTransport) Done() <-chan struct{} { return t.done }

// traceContextHeader is the inbound header carrying trace-context
// propagation, matching Cloud Trace's wire convention.
const traceContextHeader = "X-Cloud-Trace-Context"

// backgroundRequestHeader carries the background-request rendezvous id
// (spec.md §4.7).
const backgroundRequestHeader = "X-AppEngine-BackgroundRequest"

// snapshotHeader marks a snapshot request (spec.md §4.1's startRequest
// classification).
const snapshotHeader = "X-AppEngine-Snapshot"

// NewBackgroundRequestID generates a fresh rendezvous id for the
// X-AppEngine-BackgroundRequest header. There is no real RPC layer behind
// this demo transport to hand out such ids; whatever issues the
// background-worker HTTP request (the API-call side of
// background.Coordinator) calls this to get a value to correlate its own
// background.Coordinator.WaitForThreadStart call with the fake request
// this header will drive.
func NewBackgroundRequestID() string {
	return uuid.NewString()
}

// GzipCompress is a runner.Config.Compress implementation built on stdlib
// compress/gzip. The teacher's own compression dependency (gozstd) is
// tuned for measurement-archive formats this runtime doesn't produce;
// spec.md's response-compression step only requires a best-effort
// compressor behind an interface, not a particular codec, so this demo
// transport supplies the plain stdlib one.
func GzipCompress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseTraceContext(h http.Header) request.TraceContext {
	hdr := trace.ParseHeader(h.Get(traceContextHeader))
	return request.TraceContext{
		Present:   hdr.Present,
		TraceIDHi: hdr.TraceIDHi,
		TraceIDLo: hdr.TraceIDLo,
		SpanID:    hdr.ParentSpanID,
		TraceMask: hdr.TraceOptions,
	}
}

// Server routes inbound HTTP requests to a runner.Runner, grounded on
// cmd/etl_worker/etl_worker.go's http.HandleFunc("/worker", ...) style
// registration, generalized to the full `/_ah/*` lifecycle surface.
type Server struct {
	Runner *runner.Runner
	// DefaultRemaining is the time budget reported to manager.StartRequest
	// when no richer deadline signal is available. The teacher's own
	// worker process has no per-request deadline concept (it relies on
	// GAE flex's outer task-queue deadline); this stands in for that for
	// every routed request.
	DefaultRemaining time.Duration

	router *mux.Router
}

// NewServer builds a Server with the standard `/_ah/*` routes registered,
// plus the control-plane operations spec.md §6 lists alongside
// handleRequest under `/_ah/admin/*`. Every route is wrapped in
// metrics.DurationHandler, grounded on the teacher's own use of that
// wrapper around every registered route in cmd/etl_worker/etl_worker.go.
func NewServer(r *runner.Runner) *Server {
	s := &Server{Runner: r, DefaultRemaining: 10 * time.Minute, router: mux.NewRouter()}
	s.router.HandleFunc("/_ah/start", metrics.DurationHandler("start", s.handler(request.UserHandler)))
	s.router.HandleFunc("/_ah/stop", metrics.DurationHandler("stop", s.handler(request.ShutdownNotification)))
	s.router.HandleFunc("/_ah/background", metrics.DurationHandler("background", s.handler(request.BackgroundWorker)))
	s.router.HandleFunc("/_ah/snapshot", metrics.DurationHandler("snapshot", s.handler(request.UserHandler)))
	s.router.HandleFunc("/_ah/health", metrics.DurationHandler("health", s.health))
	s.router.HandleFunc("/_ah/admin/add_app_version", metrics.DurationHandler("add_app_version", s.addAppVersion)).Methods(http.MethodPost)
	s.router.HandleFunc("/_ah/admin/delete_app_version", metrics.DurationHandler("delete_app_version", s.deleteAppVersion)).Methods(http.MethodPost)
	s.router.HandleFunc("/_ah/admin/apply_clone_settings", metrics.DurationHandler("apply_clone_settings", s.applyCloneSettings)).Methods(http.MethodPost)
	s.router.HandleFunc("/_ah/admin/send_deadline", metrics.DurationHandler("send_deadline", s.sendDeadline)).Methods(http.MethodPost)
	s.router.HandleFunc("/_ah/admin/performance_data", metrics.DurationHandler("performance_data", s.getPerformanceData)).Methods(http.MethodGet)
	s.router.HandleFunc("/_ah/admin/wait_for_sandbox", metrics.DurationHandler("wait_for_sandbox", s.waitForSandbox)).Methods(http.MethodPost)
	s.router.PathPrefix("/").HandlerFunc(metrics.DurationHandler("user", s.handler(request.UserHandler)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "ok")
}

// addAppVersion implements spec.md §6's addAppVersion(transport, appInfo):
// install the AppVersion carried in the request body as the process-wide
// AppVersion. A second call fails with the registry's one-shot-install
// error, surfaced here as 409 Conflict.
func (s *Server) addAppVersion(w http.ResponseWriter, r *http.Request) {
	var v request.AppVersion
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, "invalid AppVersion payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Runner.Manager().Registry().Add(v); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	fmt.Fprint(w, "ok")
}

// deleteAppVersion implements spec.md §6's deleteAppVersion(transport,
// appInfo), which the spec itself defines as returning an "unimplemented"
// failure.
func (s *Server) deleteAppVersion(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "unimplemented", http.StatusNotImplemented)
}

// waitForSandbox implements spec.md §6's waitForSandbox(transport, _),
// which the spec itself defines as returning an "unimplemented" failure.
func (s *Server) waitForSandbox(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "unimplemented", http.StatusNotImplemented)
}

// applyCloneSettings implements spec.md §6's applyCloneSettings(transport,
// settings): decode the wire CloneSettings payload and push the parts the
// manager enforces (the API-RPC concurrency cap) onto the running Manager.
func (s *Server) applyCloneSettings(w http.ResponseWriter, r *http.Request) {
	var wire map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, "invalid CloneSettings payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	cs := config.DecodeCloneSettings(wire)
	cs.ApplyTo(s.Runner.Manager())
	fmt.Fprint(w, "ok")
}

// sendDeadline implements spec.md §6's sendDeadline(transport,
// deadlineInfo): a hard-deadline notification delivered directly by the
// transport, keyed by request id, as distinct from the soft/hard timers
// the manager schedules internally.
func (s *Server) sendDeadline(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("request_id")
	if id == "" {
		http.Error(w, "missing request_id", http.StatusBadRequest)
		return
	}
	isHard := r.URL.Query().Get("hard") == "true"
	s.Runner.Manager().SendDeadline(id, isHard)
	fmt.Fprint(w, "ok")
}

// getPerformanceData implements spec.md §6's getPerformanceData(transport,
// req). The real cloud-debugger/profiler agents behind this operation are
// out of scope (spec.md §1's out-of-scope collaborators), so this reports
// the load figures the core itself already tracks.
func (s *Server) getPerformanceData(w http.ResponseWriter, r *http.Request) {
	data := struct {
		OutstandingRequests int   `json:"outstandingRequests"`
		InFlight            int32 `json:"inFlight"`
	}{
		OutstandingRequests: s.Runner.Manager().OutstandingCount(),
		InFlight:            s.Runner.InFlight(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) handler(t request.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tr := newHTTPTransport(w, s.DefaultRemaining)

		req := request.Request{
			SecurityTicket: r.Header.Get("X-AppEngine-Security-Ticket"),
			Type:           t,
			Deadline:       s.DefaultRemaining,
			URL:            r.URL.Path,
			Header:         r.Header,
			Trace:          parseTraceContext(r.Header),
		}

		s.Runner.Run(r.Context(), tr, req)
		<-tr.Done()
	}
}
