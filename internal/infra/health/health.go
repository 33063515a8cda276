package health

import (
	"net/http"
	"sync/atomic"
)

var ready atomic.Bool

// SetReady marks readiness state; the feed flips it on open and close.
func SetReady(v bool) { ready.Store(v) }

// Ready returns current readiness
func Ready() bool { return ready.Load() }

// Healthz is a simple liveness probe
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz answers 200 only while the market data feed is open.
func Readyz(w http.ResponseWriter, r *http.Request) {
	if Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	http.Error(w, "feed not open", http.StatusServiceUnavailable)
}
