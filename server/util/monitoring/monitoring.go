package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/pprof"

	"github.com/buildbuddy-io/contentcache/server/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc renders a plain text status page.
type StatusFunc func(ctx context.Context) string

// RegisterMonitoringHandlers registers the prometheus and pprof handlers on
// the provided mux. If status is non-nil it is served on /statusz.
func RegisterMonitoringHandlers(mux *http.ServeMux, status StatusFunc) {
	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// PProf endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if status != nil {
		mux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			io.WriteString(w, status(r.Context()))
		})
	}
}

// StartMonitoringHandler serves the monitoring handlers on hostPort, which
// should not have anything else running on it.
func StartMonitoringHandler(hostPort string, status StatusFunc) *http.Server {
	mux := http.NewServeMux()
	RegisterMonitoringHandlers(mux, status)
	s := &http.Server{
		Addr:    hostPort,
		Handler: http.Handler(mux),
	}

	go func() {
		log.Infof("Enabling monitoring (pprof/prometheus) interface on http://%s", hostPort)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Monitoring server failed: %s", err)
		}
	}()
	return s
}
