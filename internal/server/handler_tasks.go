package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/me/dispatchq/pkg/model"
)

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON: "+err.Error()))
		return
	}
	if req.ID == "" {
		req.ID = "task_" + uuid.New().String()
	}
	if req.Priority == "" {
		req.Priority = model.PriorityNormal
	}
	if req.Source == "" {
		req.Source = model.SourceAPI
	}
	if req.DeadlineMs < 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid task",
			model.FieldError{Field: "deadline_ms", Message: "must be >= 0"}))
		return
	}

	exec, err := s.registry.Build(req.ID, req.Executor)
	if err != nil {
		respondSchedulerError(w, reqID, err)
		return
	}

	now := time.Now()
	task := &model.Task{
		ID:       req.ID,
		Source:   req.Source,
		Provider: req.Provider,
		Model:    req.Model,
		Priority: req.Priority,
		Cost:     req.Cost,
		Executor: exec,
	}
	if req.DeadlineMs > 0 {
		task.Deadline = now.Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	handle, err := s.dispatcher.Schedule(ctx, task)
	if err != nil {
		cancel()
		respondSchedulerError(w, reqID, err)
		return
	}
	s.track(task.ID, &trackedTask{handle: handle, cancel: cancel, submittedAt: now})

	s.logger.Info("task submitted",
		"task_id", task.ID,
		"priority", task.Priority,
		"model", task.ModelKey(),
		"executor", req.Executor.Kind,
	)

	if r.URL.Query().Get("wait") == "true" {
		res, err := handle.Wait(r.Context())
		if err == nil {
			respondOK(w, reqID, model.TaskStatus{TaskID: task.ID, State: res.Outcome, Result: &res})
			return
		}
		// The client went away; the task keeps running.
	}
	respondCreated(w, reqID, model.TaskStatus{TaskID: task.ID, State: model.EntryStateQueued})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if t, ok := s.lookup(id); ok {
		if res, done := t.handle.Result(); done {
			respondOK(w, reqID, model.TaskStatus{TaskID: id, State: res.Outcome, Result: &res})
			return
		}
		respondOK(w, reqID, model.TaskStatus{TaskID: id, State: s.liveState(id)})
		return
	}

	if s.store != nil {
		rec, err := s.store.GetResult(r.Context(), id)
		if err != nil {
			respondError(w, reqID, http.StatusInternalServerError,
				&model.APIError{Code: model.ErrInternal, Message: err.Error()})
			return
		}
		if rec != nil {
			respondOK(w, reqID, model.TaskStatus{TaskID: id, State: rec.Outcome, Result: &rec.TaskResult})
			return
		}
	}
	respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
}

// liveState reads a task's state from the scheduler's queue view. A task
// that just settled may already be gone from it; the handle then answers.
func (s *Server) liveState(id string) model.EntryState {
	for _, snap := range s.dispatcher.Queue() {
		if snap.TaskID == id {
			return snap.State
		}
	}
	return model.EntryStateQueued
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	t, ok := s.lookup(id)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}
	if res, done := t.handle.Result(); done {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "task '" + id + "' already finished with outcome " + string(res.Outcome),
		})
		return
	}

	t.cancel()
	s.logger.Info("task cancel requested", "task_id", id)

	// Give the scheduler a moment so the response can carry the outcome.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	res, err := t.handle.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		respondOK(w, reqID, model.TaskStatus{TaskID: id, State: s.liveState(id)})
		return
	}
	respondOK(w, reqID, model.TaskStatus{TaskID: id, State: res.Outcome, Result: &res})
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrBusy, Message: "result history is disabled"})
		return
	}

	opts := model.ListOptions{
		Limit:    queryInt(r, "limit", 20),
		Offset:   queryInt(r, "offset", 0),
		Provider: r.URL.Query().Get("provider"),
		Outcome:  model.EntryState(r.URL.Query().Get("outcome")),
	}
	opts.Clamp()

	records, total, err := s.store.ListResults(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if records == nil {
		records = []*model.TaskRecord{}
	}
	respondList(w, reqID, records, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(records) < total,
	})
}
