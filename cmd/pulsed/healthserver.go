package main

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/pulsedb/pulse/pkg/health"
	"github.com/pulsedb/pulse/pkg/metrics"
	"github.com/pulsedb/pulse/pkg/usage"
)

func newHealthMux(reg *health.Registry, tracker *usage.Tracker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", reg.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/logs/tail", tailHandler(tracker))
	return mux
}

// tailHandler streams newline-delimited JSON structured log lines
// (usage.LogLine, §4.6/§6/§8-S6) to the client for as long as the
// connection stays open, the transport pulsectl's `logs tail` reads from.
func tailHandler(tracker *usage.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sub := tracker.SubscribeLogs()
		defer tracker.UnsubscribeLogs(sub)

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)

		for {
			select {
			case line, open := <-sub:
				if !open {
					return
				}
				if err := enc.Encode(line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func listenAndServe(addr string, mux *http.ServeMux) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return http.Serve(lis, mux)
}
