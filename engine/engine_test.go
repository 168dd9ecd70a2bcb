package engine

import (
	"context"
	"net/http"
	"testing"

	"github.com/m-lab/apprun/request"
	"github.com/m-lab/apprun/response"
)

func TestFakeDefaultHandlerFillsOK(t *testing.T) {
	f := NewFake(nil)
	sink := response.New()
	if err := f.ServiceRequest(context.Background(), request.Request{}, sink, request.NewState()); err != nil {
		t.Fatalf("ServiceRequest: %v", err)
	}
	r := sink.HTTPResponse()
	if r == nil || r.StatusCode != http.StatusOK {
		t.Fatalf("HTTPResponse() = %+v, want 200", r)
	}
}

func TestFakeCustomHandlerInvoked(t *testing.T) {
	called := false
	f := NewFake(func(ctx context.Context, req request.Request, sink *response.Sink, state *request.State) error {
		called = true
		sink.SetHTTPResponse(response.HTTPResponse{StatusCode: http.StatusTeapot})
		return nil
	})
	sink := response.New()
	if err := f.ServiceRequest(context.Background(), request.Request{}, sink, request.NewState()); err != nil {
		t.Fatalf("ServiceRequest: %v", err)
	}
	if !called {
		t.Fatal("expected custom handler to be invoked")
	}
	if sink.HTTPResponse().StatusCode != http.StatusTeapot {
		t.Fatalf("StatusCode = %d, want 418", sink.HTTPResponse().StatusCode)
	}
}

func TestFakeStartStopAddAppVersion(t *testing.T) {
	f := NewFake(nil)
	if f.Started() || f.Stopped() {
		t.Fatal("expected fresh Fake to be neither started nor stopped")
	}
	if err := f.Start(context.Background(), StartInfo{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.AddAppVersion(context.Background(), request.AppVersion{AppID: "a", VersionID: "1"}); err != nil {
		t.Fatalf("AddAppVersion: %v", err)
	}
	if err := f.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !f.Started() || !f.Stopped() {
		t.Fatal("expected Started() and Stopped() to report true")
	}
	if got := f.Versions(); len(got) != 1 || got[0].AppID != "a" {
		t.Fatalf("Versions() = %+v", got)
	}
}

func TestFakeLogFlushServiceSucceeds(t *testing.T) {
	s := NewFakeLogFlushService()
	h, err := s.Flush(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	<-h.Done()
	if h.Err() != nil {
		t.Fatalf("Err() = %v, want nil", h.Err())
	}
	if got := s.Groups(); len(got) != 1 || string(got[0]) != "hello" {
		t.Fatalf("Groups() = %v", got)
	}
}

func TestFakeLogFlushServiceFailsOnCall(t *testing.T) {
	s := NewFakeLogFlushService()
	s.FailOnCall(2)
	h1, _ := s.Flush(context.Background(), []byte("a"))
	<-h1.Done()
	if h1.Err() != nil {
		t.Fatalf("first call Err() = %v, want nil", h1.Err())
	}
	h2, _ := s.Flush(context.Background(), []byte("b"))
	<-h2.Done()
	if h2.Err() == nil {
		t.Fatal("expected second call to fail")
	}
}
