package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"
)

type worker struct {
	ID            string  `json:"id"`
	Queue         string  `json:"queue"`
	MemoryRSSMB   uint64  `json:"memory_rss_mb"`
	CPUPct        float64 `json:"cpu_pct"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

type state struct {
	mu      sync.Mutex
	workers []worker
	pools   map[string]int
}

func main() {
	st := &state{
		workers: []worker{
			{ID: "worker-1", Queue: "notifications", MemoryRSSMB: 180, CPUPct: 12.5, UptimeSeconds: 86400},
			{ID: "worker-2", Queue: "notifications", MemoryRSSMB: 640, CPUPct: 44.0, UptimeSeconds: 7200},
			{ID: "worker-3", Queue: "reports", MemoryRSSMB: 260, CPUPct: 8.1, UptimeSeconds: 3600},
		},
		pools: map[string]int{"notifications": 2, "reports": 1},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/workers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		writeJSON(w, map[string]any{"workers": st.workers})
	})

	mux.HandleFunc("/api/v1/workers/restart", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var body struct {
			WorkerID string `json:"worker_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WorkerID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		st.mu.Lock()
		for i := range st.workers {
			if st.workers[i].ID == body.WorkerID {
				st.workers[i].MemoryRSSMB = 120
				st.workers[i].UptimeSeconds = 0
			}
		}
		st.mu.Unlock()
		writeJSON(w, map[string]any{"restarted": body.WorkerID})
	})

	mux.HandleFunc("/api/v1/workers/scale", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var body struct {
			Queue   string `json:"queue"`
			Workers int    `json:"workers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Queue == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		st.mu.Lock()
		st.pools[body.Queue] = body.Workers
		st.mu.Unlock()
		writeJSON(w, map[string]any{"queue": body.Queue, "workers": body.Workers})
	})

	// Webhook receiver: prints whatever the engine escalates.
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Printf("webhook received: kind=%v", payload["kind"])
		w.WriteHeader(http.StatusAccepted)
	})

	logger := log.New(log.Writer(), "mock-collab ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
