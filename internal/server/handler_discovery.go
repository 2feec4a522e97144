package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "dispatchq API",
		Version:     "v1",
		Description: "Priority scheduling and admission control for model-backed tasks",
		Endpoints: []endpointInfo{
			{"/api/v1/tasks", []string{"POST"}, "Submit a task. POST accepts ?wait=true to block until it settles"},
			{"/api/v1/tasks/{id}", []string{"GET", "DELETE"}, "Task state and result; DELETE aborts it"},
			{"/api/v1/queue", []string{"GET"}, "Queued entries in dispatch order, then running entries"},
			{"/api/v1/stats", []string{"GET"}, "Queue statistics snapshot"},
			{"/api/v1/stats/history", []string{"GET"}, "Periodic statistics samples, newest first"},
			{"/api/v1/utilization", []string{"GET"}, "Active executions against configured ceilings"},
			{"/api/v1/permits", []string{"GET"}, "Outstanding dispatch permits"},
			{"/api/v1/results", []string{"GET"}, "Finished task history (?provider, ?outcome, ?limit, ?offset)"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
