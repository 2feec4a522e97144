package server

import (
	"net/http"

	"github.com/me/dispatchq/pkg/model"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.dispatcher.Stats())
}

func (s *Server) handleUtilization(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.dispatcher.Utilization())
}

func (s *Server) handlePermits(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.dispatcher.Permits())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	entries := s.dispatcher.Queue()

	opts := model.ListOptions{Limit: queryInt(r, "limit", 100), Offset: queryInt(r, "offset", 0)}
	opts.Clamp()
	total := len(entries)
	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)

	respondList(w, reqID, entries[start:end], &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: end < total,
	})
}

func (s *Server) handleStatsHistory(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrBusy, Message: "stats history is disabled"})
		return
	}
	samples, err := s.store.ListStatsSamples(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if samples == nil {
		samples = []model.StatsSample{}
	}
	respondOK(w, reqID, samples)
}
