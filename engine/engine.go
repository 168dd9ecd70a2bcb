// Package engine defines the servlet-engine boundary the core calls into
// to actually run a user handler (spec.md §6). Per spec.md's Non-goals
// this boundary is never given a real HTTP/JSON implementation — only the
// interface plus a deterministic in-memory fake for tests — grounded on
// factory/factory.go's TaskFactory/SinkFactory/SourceFactory pattern,
// where the only shipped implementation in the teacher's own test suite
// is a test double.
package engine

import (
	"context"

	"github.com/m-lab/apprun/request"
	"github.com/m-lab/apprun/response"
)

// StartInfo carries whatever process-level configuration the engine needs
// to boot (ports, trusted hosts); the core never inspects its contents.
type StartInfo struct {
	Config map[string]string
}

// Engine is the servlet-engine boundary: it hosts the user's application
// bundle and runs handlers against a request + response-sink pair.
type Engine interface {
	// Start boots the engine with the given process-level info.
	Start(ctx context.Context, info StartInfo) error
	// AddAppVersion installs an application version into the engine. It
	// does not enforce the one-shot rule, which request.Registry.Add owns.
	// Nothing in this module calls it: the transport's add_app_version
	// route installs a version through request.Registry.Add alone.
	AddAppVersion(ctx context.Context, v request.AppVersion) error
	// ServiceRequest runs the user handler for req against sink. Any
	// worker goroutines the handler spawns must register with the
	// supplied RequestState via the thread-manager facility so
	// RequestManager can interrupt/join them during finalization.
	ServiceRequest(ctx context.Context, req request.Request, sink *response.Sink, state *request.State) error
	// Stop shuts the engine down.
	Stop(ctx context.Context) error
}

// FlushHandle is returned by LogFlushService.Flush: a Future the caller
// can wait on or cancel, matching request.Future.
type FlushHandle interface {
	Cancel()
	Done() <-chan struct{}
	// Err reports the outcome once Done is closed; nil means the flush
	// succeeded. Reading Err before Done closes returns nil.
	Err() error
}

// LogFlushService is the asynchronous log-service boundary (spec.md §6):
// flush(groupBytes) → futureHandle.
type LogFlushService interface {
	Flush(ctx context.Context, group []byte) (FlushHandle, error)
}
