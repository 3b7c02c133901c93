package obs

import (
	"net/http"
	"sync/atomic"
)

// Readiness is a flag components flip once their storage is open and any
// background loops are running; /ready reports 503 until then so a load
// balancer never routes traffic at a half-started process.
type Readiness struct {
	ready atomic.Bool
}

func (r *Readiness) SetReady(v bool) { r.ready.Store(v) }

// Handler returns a mux ready to register under /healthz, /ready, /metrics.
func Handler(reg *Registry, readiness *Readiness) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !readiness.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(reg.WriteText()))
	})
	return mux
}
