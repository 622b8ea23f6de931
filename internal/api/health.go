package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/sitevoice/internal/pipeline"
)

// HealthChecker is implemented by *database.DB.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionStatus is implemented by *mqttclient.Client.
type ConnectionStatus interface {
	IsConnected() bool
}

// WatcherStatusData is the folder watcher's state as shown on /health.
type WatcherStatusData struct {
	Status         string `json:"status"`
	WatchDir       string `json:"watch_dir"`
	FilesProcessed int64  `json:"files_processed"`
	FilesSkipped   int64  `json:"files_skipped"`
	FilesFailed    int64  `json:"files_failed"`
}

// WatcherSource is implemented by *ingest.FolderWatcher.
type WatcherSource interface {
	Status() *WatcherStatusData
}

// StatsSource is implemented by *pipeline.Orchestrator.
type StatsSource interface {
	Stats() pipeline.Stats
}

type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Checks        map[string]string  `json:"checks"`
	Pipeline      *pipeline.Stats    `json:"pipeline,omitempty"`
	Watcher       *WatcherStatusData `json:"watcher,omitempty"`
}

// HealthOptions lists what /health reports on. Only DB is required.
type HealthOptions struct {
	DB        HealthChecker
	MQTT      ConnectionStatus
	Watcher   WatcherSource
	Stats     StatsSource
	Storage   string // blob backend name
	STT       string // speech-to-text provider name
	Version   string
	StartTime time.Time
}

type HealthHandler struct {
	opts HealthOptions
}

func NewHealthHandler(opts HealthOptions) *HealthHandler {
	return &HealthHandler{opts: opts}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Database check
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.opts.DB.HealthCheck(ctx); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// MQTT check
	if h.opts.MQTT != nil {
		if h.opts.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.opts.Storage != "" {
		checks["storage"] = h.opts.Storage
	}
	if h.opts.STT != "" {
		checks["stt"] = h.opts.STT
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.opts.Version,
		UptimeSeconds: int64(time.Since(h.opts.StartTime).Seconds()),
		Checks:        checks,
	}
	if h.opts.Stats != nil {
		s := h.opts.Stats.Stats()
		resp.Pipeline = &s
	}
	if h.opts.Watcher != nil {
		if ws := h.opts.Watcher.Status(); ws != nil {
			checks["file_watcher"] = ws.Status
			resp.Watcher = ws
		}
	}

	WriteJSON(w, httpStatus, resp)
}
