// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harmonyhub/harmony/internal/fault"
	"github.com/harmonyhub/harmony/internal/queue"
)

type enqueueRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       *int            `json:"priority,omitempty"`
	AvailableAt    *time.Time      `json:"available_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type enqueueResponse struct {
	JobID        int64 `json:"job_id"`
	Deduplicated bool  `json:"deduplicated"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fault.WriteError(w, fault.Wrap(fault.CodeValidation, err, "malformed enqueue request"))
		return
	}
	eq := queue.EnqueueRequest{
		Type:           req.Type,
		Payload:        req.Payload,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.AvailableAt != nil {
		eq.AvailableAt = *req.AvailableAt
	}
	res, err := s.queue.Enqueue(r.Context(), eq)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	noStore(w)
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	fault.WriteJSON(w, status, enqueueResponse{JobID: res.JobID, Deduplicated: res.Deduplicated})
}

type jobListResponse struct {
	Jobs  []*queue.Job `json:"jobs"`
	Total int64        `json:"total"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.JobFilter{
		Limit: s.parseLimit(q.Get("limit")),
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n > 0 {
			filter.Offset = n
		}
	}
	if t := q.Get("type"); t != "" {
		filter.Types = []string{t}
	}
	if state := q.Get("state"); state != "" {
		js := queue.JobState(state)
		if !js.Valid() {
			fault.WriteError(w, fault.Newf(fault.CodeValidation, "unknown job state %q", state))
			return
		}
		filter.States = []queue.JobState{js}
	}

	jobs, err := s.queue.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	total, err := s.queue.CountJobs(r.Context(), filter)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	fault.WriteJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Total: total})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		fault.WriteError(w, fault.New(fault.CodeValidation, "job id must be numeric"))
		return
	}
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	fault.WriteJSON(w, http.StatusOK, job)
}

// writeQueueError maps queue sentinels onto the stable error codes.
func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidJob):
		fault.WriteError(w, fault.Wrap(fault.CodeValidation, err, err.Error()))
	case errors.Is(err, queue.ErrNotFound):
		fault.WriteError(w, fault.New(fault.CodeNotFound, "job not found"))
	default:
		s.log.Error().Err(err).Msg("queue operation failed")
		fault.WriteError(w, err)
	}
}
