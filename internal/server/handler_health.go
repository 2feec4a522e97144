package server

import (
	"net/http"
	"runtime"
	"time"
)

// Version is reported by /health.
const Version = "0.1.0"

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	GoVersion string            `json:"go_version"`
	Uptime    string            `json:"uptime"`
	Scheduler string            `json:"scheduler"`
	Store     string            `json:"store"`
	Queued    int               `json:"queued"`
	Running   int               `json:"running"`
	Executors map[string]string `json:"executors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	stats := s.dispatcher.Stats()
	storeState := "disabled"
	if s.store != nil {
		storeState = "sqlite"
	}
	executors := make(map[string]string)
	for _, k := range s.registry.Kinds() {
		executors[k] = "available"
	}

	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: "running",
		Store:     storeState,
		Queued:    stats.TotalQueued,
		Running:   stats.ActiveExecutions,
		Executors: executors,
	})
}
