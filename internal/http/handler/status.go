package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"taskpilot/internal/jobs"
	"taskpilot/internal/quota"
	"taskpilot/internal/workspace"
)

type QueueStats interface {
	Stats(ctx context.Context) (jobs.Stats, error)
}

type WorkspaceStats interface {
	Stats() (workspace.Stats, error)
}

type QuotaStatus interface {
	Status() quota.Status
}

// HealthHandler answers liveness probes.
type HealthHandler struct {
	Started time.Time
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": uptime(h.Started),
	})
}

type StatusHandler struct {
	Started    time.Time
	Queue      QueueStats
	Workspaces WorkspaceStats
	Quota      QuotaStatus
	// Dropped reports observer events discarded for slow subscribers.
	Dropped func() uint64
	Logger  *slog.Logger
}

type serverStats struct {
	Uptime        float64 `json:"uptime"`
	Goroutines    int     `json:"goroutines"`
	HeapAlloc     uint64  `json:"heapAlloc"`
	GoVersion     string  `json:"goVersion"`
	DroppedEvents uint64  `json:"droppedEvents"`
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	qs, err := h.Queue.Stats(r.Context())
	if err != nil {
		logger(h.Logger).Error("status: queue stats failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"queueStats": qs}

	if h.Workspaces != nil {
		ws, err := h.Workspaces.Stats()
		if err != nil {
			logger(h.Logger).Warn("status: workspace stats failed", "error", err)
		} else {
			resp["workspaceStats"] = ws
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	ss := serverStats{
		Uptime:     uptime(h.Started),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		GoVersion:  runtime.Version(),
	}
	if h.Dropped != nil {
		ss.DroppedEvents = h.Dropped()
	}
	resp["serverStats"] = ss

	if h.Quota != nil {
		resp["quota"] = h.Quota.Status()
	} else {
		resp["quota"] = quota.Status{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// uptime is in seconds.
func uptime(started time.Time) float64 {
	if started.IsZero() {
		return 0
	}
	return time.Since(started).Seconds()
}
