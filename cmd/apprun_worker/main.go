// Binary apprun_worker wires the request-lifecycle core together behind
// an HTTP listener, grounded on cmd/etl_worker/etl_worker.go's main():
// flag.Parse(), prometheusx.MustStartPrometheus, an http.Handle registration
// per route, and rtx.Must(http.ListenAndServe(...)).
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/apprun/background"
	"github.com/m-lab/apprun/config"
	"github.com/m-lab/apprun/engine"
	"github.com/m-lab/apprun/manager"
	"github.com/m-lab/apprun/request"
	"github.com/m-lab/apprun/runner"
	"github.com/m-lab/apprun/transport"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	cli, passthrough := config.Parse(os.Args[1:])
	for _, name := range passthrough {
		log.Printf("apprun_worker: ignoring unrecognized option %q", name)
	}

	if cli.PollForNetwork {
		pollForNetwork()
	}

	prometheusx.MustStartPrometheus(":9090")

	registry := request.NewRegistry()
	rtx.Must(registry.Add(fixedAppVersion(cli)), "failed to install the fixed application version")

	mgr := manager.New(registry, manager.Config{
		MaxOutstandingAPIRPCs: cli.CloneMaxOutstandingAPIRPCs,
		RuntimeLogMaxBytes:    cli.MaxRuntimeLogPerRequest,
	})

	// There is no real servlet-engine implementation in scope (spec.md's
	// Non-goals name it an external collaborator); engine.Fake stands in
	// as the boundary this binary drives end to end.
	eng := engine.NewFake(nil)
	rtx.Must(eng.Start(context.Background(), engine.StartInfo{}), "engine.Start failed")

	bg := background.New()
	r := runner.New(mgr, eng, bg, runner.Config{Compress: transport.GzipCompress})
	srv := transport.NewServer(r)

	http.Handle("/", srv)
	http.Handle("/random-metrics", promhttp.Handler())

	log.Printf("apprun_worker listening on :%d", cli.JettyHTTPPort)
	rtx.Must(http.ListenAndServe(portAddr(cli.JettyHTTPPort), nil), "failed to listen")
}

func portAddr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}

func fixedAppVersion(cli config.CLI) request.AppVersion {
	root := cli.FixedApplicationPath
	if root == "" {
		root = "."
	}
	return request.AppVersion{
		AppID:         "default",
		VersionID:     "1",
		RootDirectory: root,
	}
}

// pollForNetwork blocks, retrying a short dial, until outbound networking
// is reachable or a bounded number of attempts is exhausted. Grounded on
// active/poller.go's time.NewTicker poll loop.
func pollForNetwork() {
	const maxAttempts = 30
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", "8.8.8.8:53", 2*time.Second)
		if err == nil {
			conn.Close()
			return
		}
		log.Printf("apprun_worker: waiting for network (attempt %d/%d): %v", attempt, maxAttempts, err)
		<-ticker.C
	}
	log.Printf("apprun_worker: network still unreachable after %d attempts, continuing anyway", maxAttempts)
}
