package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/apprun/background"
	"github.com/m-lab/apprun/engine"
	"github.com/m-lab/apprun/manager"
	"github.com/m-lab/apprun/request"
	"github.com/m-lab/apprun/response"
	"github.com/m-lab/apprun/runner"
)

func TestGzipCompressRoundTrips(t *testing.T) {
	in := []byte("hello, world, hello, world, hello, world")
	out, err := GzipCompress(in)
	if err != nil {
		t.Fatalf("GzipCompress: %v", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer zr.Close()
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != string(in) {
		t.Fatalf("round trip = %q, want %q", got, in)
	}
}

func newTestServer(t *testing.T, h engine.Handler) *Server {
	t.Helper()
	reg := request.NewRegistry()
	if err := reg.Add(request.AppVersion{AppID: "app", VersionID: "1"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	m := manager.New(reg, manager.Config{DisableDeadlineTimers: true})
	r := runner.New(m, engine.NewFake(h), background.New(), runner.Config{})
	return NewServer(r)
}

func TestHealthEndpointReturnsOK(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/_ah/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q, want %q", w.Body.String(), "ok")
	}
}

func TestRootRouteDispatchesUserHandler(t *testing.T) {
	s := newTestServer(t, func(ctx context.Context, req request.Request, sink *response.Sink, state *request.State) error {
		sink.SetHTTPResponse(response.HTTPResponse{StatusCode: http.StatusOK, Body: []byte("hi")})
		return nil
	})
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Body.String() != "hi" {
		t.Fatalf("body = %q, want %q", w.Body.String(), "hi")
	}
}

func TestShutdownRouteReturnsOK(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/_ah/stop", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q, want %q", w.Body.String(), "ok")
	}
}

func TestBackgroundRouteWithoutHeaderReturnsBadRequest(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/_ah/background", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSnapshotRouteDisablesAPIHost(t *testing.T) {
	reg := request.NewRegistry()
	if err := reg.Add(request.AppVersion{AppID: "app", VersionID: "1"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	disabled := false
	m := manager.New(reg, manager.Config{
		DisableDeadlineTimers: true,
		APIHost:               &recordingAPIHost{disable: &disabled},
	})
	r := runner.New(m, engine.NewFake(nil), background.New(), runner.Config{})
	s := NewServer(r)

	req := httptest.NewRequest(http.MethodGet, "/_ah/snapshot", nil)
	req.Header.Set("X-AppEngine-Snapshot", "1")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if !disabled {
		t.Fatal("expected snapshot request to disable the API host")
	}
}

func TestBackgroundRouteRendezvousesWithGeneratedID(t *testing.T) {
	reg := request.NewRegistry()
	if err := reg.Add(request.AppVersion{AppID: "app", VersionID: "1"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	bg := background.New()
	m := manager.New(reg, manager.Config{DisableDeadlineTimers: true})
	r := runner.New(m, engine.NewFake(nil), bg, runner.Config{})
	s := NewServer(r)

	id := NewBackgroundRequestID()
	ran := make(chan struct{})
	waitErr := make(chan error, 1)
	go func() {
		_, err := bg.WaitForThreadStart(context.Background(), id, func(ctx context.Context) {
			close(ran)
		}, time.Second)
		waitErr <- err
	}()

	req := httptest.NewRequest(http.MethodPost, "/_ah/background", nil)
	req.Header.Set("X-AppEngine-BackgroundRequest", id)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("runnable never ran")
	}
	if err := <-waitErr; err != nil {
		t.Fatalf("WaitForThreadStart: %v", err)
	}
	if w.Code != http.StatusOK && w.Code != 0 {
		t.Fatalf("status = %d, want 200 (or unset, defaulting to 200)", w.Code)
	}
}

type recordingAPIHost struct {
	disable *bool
}

func (r *recordingAPIHost) Enable()  {}
func (r *recordingAPIHost) Disable() { *r.disable = true }

func TestAddAppVersionRouteInstallsOnce(t *testing.T) {
	s := newTestServer(t, nil)

	body, err := json.Marshal(request.AppVersion{AppID: "other", VersionID: "2"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/_ah/admin/add_app_version", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (newTestServer already installs app/1)", w.Code)
	}
}

func TestAddAppVersionRouteRejectsBadPayload(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/_ah/admin/add_app_version", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestDeleteAppVersionRouteUnimplemented(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/_ah/admin/delete_app_version", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", w.Code)
	}
}

func TestWaitForSandboxRouteUnimplemented(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/_ah/admin/wait_for_sandbox", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", w.Code)
	}
}

func TestApplyCloneSettingsRouteAppliesRPCCap(t *testing.T) {
	s := newTestServer(t, nil)
	body := []byte(`{"maxOutstandingApiRpcs": 5}`)
	req := httptest.NewRequest(http.MethodPost, "/_ah/admin/apply_clone_settings", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != 0 && w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (or unset, defaulting to 200)", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q, want %q", w.Body.String(), "ok")
	}
}

func TestSendDeadlineRouteRequiresRequestID(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/_ah/admin/send_deadline", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSendDeadlineRouteAcceptsUnknownRequestID(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/_ah/admin/send_deadline?request_id=deadbeef&hard=true", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q, want %q", w.Body.String(), "ok")
	}
}

func TestPerformanceDataRouteReportsLoad(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/_ah/admin/performance_data", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var data struct {
		OutstandingRequests int   `json:"outstandingRequests"`
		InFlight            int32 `json:"inFlight"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &data); err != nil {
		t.Fatalf("Unmarshal: %v, body = %q", err, w.Body.String())
	}
	if data.OutstandingRequests != 0 {
		t.Fatalf("OutstandingRequests = %d, want 0", data.OutstandingRequests)
	}
}
