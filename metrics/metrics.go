// Package metrics defines prometheus metric types for the request-serving
// runtime and convenience helpers for instrumenting handlers.
//
// When defining new operations or metrics, these are helpful values to
// track:
//  - things coming into or going out of the system: requests, flushes,
//    API calls, rendezvous exchanges.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"fmt"
	"log"
	"math"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestCount counts requests dispatched by RequestRunner, by type
	// and terminal outcome.
	//
	// Provides metrics:
	//   apprun_request_count{type, outcome}
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apprun_request_count",
			Help: "Number of requests dispatched, by request type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// RequestDuration measures wall-clock time from startRequest to
	// finishRequest.
	//
	// Provides metrics:
	//   apprun_request_duration_seconds{type}
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apprun_request_duration_seconds",
			Help:    "Wall-clock duration of a request, from startRequest to finishRequest.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// DeadlineEscalations counts soft/hard deadline firings.
	//
	// Provides metrics:
	//   apprun_deadline_escalation_count{kind}
	DeadlineEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apprun_deadline_escalation_count",
			Help: "Number of soft/hard deadline escalations applied to requests.",
		},
		[]string{"kind"}, // "soft" or "hard"
	)

	// PanicCount counts the number of panics encountered while dispatching
	// requests.
	//
	// Provides metrics:
	//   apprun_panic_count{source}
	PanicCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apprun_panic_count",
			Help: "Number of panics encountered.",
		},
		[]string{"source"},
	)

	// OutstandingRequests counts requests currently registered with
	// RequestManager.
	//
	// Provides metrics:
	//   apprun_outstanding_requests
	OutstandingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apprun_outstanding_requests",
		Help: "Number of requests currently between startRequest and finishRequest.",
	})

	// APIRPCSemaphoreInUse tracks how many of maxOutstandingApiRpcs
	// permits are currently checked out.
	//
	// Provides metrics:
	//   apprun_api_rpc_semaphore_in_use
	APIRPCSemaphoreInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apprun_api_rpc_semaphore_in_use",
		Help: "Number of outstanding API RPC semaphore permits currently checked out.",
	})

	// AppLogFlushCount counts application-log flushes, by trigger.
	//
	// Provides metrics:
	//   apprun_applog_flush_count{trigger}
	AppLogFlushCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apprun_applog_flush_count",
			Help: "Number of application-log flushes, by trigger (size, time, final).",
		},
		[]string{"trigger"},
	)

	// AppLogFlushBytes measures the size in bytes of each application-log
	// flush.
	//
	// Provides metrics:
	//   apprun_applog_flush_bytes
	AppLogFlushBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "apprun_applog_flush_bytes",
		Help: "Size in bytes of each application-log flush.",
		Buckets: []float64{
			1024, 8192, 65536, 262144, 1048576, 4194304, math.Inf(+1),
		},
	})

	// BackgroundRendezvousDuration measures how long each side of the
	// BackgroundRequestCoordinator waited for its counterpart.
	//
	// Provides metrics:
	//   apprun_background_rendezvous_duration_seconds{side, outcome}
	BackgroundRendezvousDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apprun_background_rendezvous_duration_seconds",
			Help:    "Time spent waiting for the BackgroundRequestCoordinator rendezvous.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"side", "outcome"},
	)
)

// catchStatus wraps the native http.ResponseWriter and captures any
// written HTTP status codes.
type catchStatus struct {
	http.ResponseWriter
	status int
}

// WriteHeader wraps the http.ResponseWriter.WriteHeader method, and
// preserves the status code.
func (cw *catchStatus) WriteHeader(code int) {
	cw.ResponseWriter.WriteHeader(code)
	cw.status = code
}

// DurationHandler wraps the call of an inner http.HandlerFunc and records
// the runtime.
func DurationHandler(name string, inner http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		cw := &catchStatus{w, http.StatusOK} // Default status is OK.
		inner.ServeHTTP(cw, r)
		RequestDuration.WithLabelValues(name).Observe(time.Since(t).Seconds())
		RequestCount.WithLabelValues(name, http.StatusText(cw.status)).Inc()
	}
}

// CountPanics updates the PanicCount metric, then repanics.
// It must be wrapped in a defer.
// Example:
//
//	func foobar() {
//	    defer func() {
//	        metrics.CountPanics(recover(), "foobar")
//	    }()
//	    ...
//	}
func CountPanics(r interface{}, tag string) {
	if r != nil {
		err, ok := r.(error)
		if !ok {
			log.Println("apprun: recovered value is not an error")
			err = fmt.Errorf("%s: %v", tag, r)
		}
		log.Println("apprun: repanicking after recording", tag, "panic:", err)
		PanicCount.WithLabelValues(tag).Inc()
		debug.PrintStack()
		panic(r)
	}
}

// PanicToErr captures panics and converts them to errors. Use with
// extreme care, as a panic may mean state is corrupted, and continuing
// to execute may result in undefined behavior.
// It must be wrapped in a defer.
// Example:
//
//	// err must be a named return value to be captured.
//	func foobar() (err error) {
//	    defer func() {
//	        err = metrics.PanicToErr(err, recover(), "foobar")
//	    }()
//	    ...
//	}
func PanicToErr(err error, r interface{}, tag string) error {
	if r != nil {
		var ok bool
		err, ok = r.(error)
		if !ok {
			log.Println("apprun: recovered value is not an error")
			err = fmt.Errorf("%s: %v", tag, r)
		}
		log.Println("apprun: converting", tag, "panic to error:", err)
		PanicCount.WithLabelValues(tag).Inc()
		debug.PrintStack()
	}
	return err
}
