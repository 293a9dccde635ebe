package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

type statusSnapshot struct {
	Timestamp string `json:"ts"`
	core.Status
	StartMillis       int64             `json:"startTime"`
	LastHandshakeUnix int64             `json:"lastHandshake,omitempty"`
	Proc              map[string]uint64 `json:"proc,omitempty"`
}

func takeSnapshot(t core.Tunnel, now time.Time) statusSnapshot {
	st := t.Status()
	snap := statusSnapshot{
		Timestamp:   now.UTC().Format(time.RFC3339),
		Status:      st,
		StartMillis: st.StartTimeMillis(),
	}
	if !st.LastHandshake.IsZero() {
		snap.LastHandshakeUnix = st.LastHandshake.Unix()
	}
	return snap
}

func withProc(snap statusSnapshot) statusSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.Proc = map[string]uint64{
		"goroutines": uint64(runtime.NumGoroutine()),
		"heap_alloc": ms.HeapAlloc,
		"heap_sys":   ms.HeapSys,
		"num_gc":     uint64(ms.NumGC),
	}
	return snap
}

// formatSnapshot renders a snapshot as a single log line.
func formatSnapshot(snap statusSnapshot, format string) (string, error) {
	if format == "json" {
		b, err := json.Marshal(snap)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	s := snap.Status
	line := fmt.Sprintf("connected=%t in=%d out=%d direct=%d duration=%ds drop_malformed=%d drop_unsupported=%d err_transport=%d err_direct=%d queue_drops=%d healthy=%t",
		s.Connected, s.BytesIn, s.BytesOut, s.BytesDirect, s.SessionDurationSeconds,
		s.DroppedMalformed, s.DroppedUnsupported, s.TransportErrors, s.DirectErrors, s.QueueDrops, s.TransportHealthy)
	if s.LastError != "" {
		line += fmt.Sprintf(" last_error=%q", s.LastError)
	}
	return line, nil
}

func runStatusReporter(ctx context.Context, t core.Tunnel, interval time.Duration, format string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		line, err := formatSnapshot(withProc(takeSnapshot(t, time.Now())), format)
		if err != nil {
			log.WithError(err).Warn("status snapshot")
		} else {
			log.Info(line)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// newStatusMux serves /health for liveness checks and /status for the
// current session snapshot.
func newStatusMux(t core.Tunnel) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(takeSnapshot(t, time.Now())); err != nil {
			log.WithError(err).Debug("write status")
		}
	})
	return mux
}
