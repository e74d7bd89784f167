// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/harmonyhub/harmony/internal/fault"
	"github.com/harmonyhub/harmony/internal/queue"
)

type deadLetterListResponse struct {
	DeadLetters []*queue.DeadLetter `json:"dead_letters"`
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queue.Page{Limit: s.parseLimit(q.Get("limit"))}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n > 0 {
			page.Offset = n
		}
	}
	letters, err := s.queue.ListDeadLetters(r.Context(), page)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	fault.WriteJSON(w, http.StatusOK, deadLetterListResponse{DeadLetters: letters})
}

type dlqBatchRequest struct {
	Limit int `json:"limit,omitempty"`
}

type dlqBatchResponse struct {
	Requeued int64 `json:"requeued,omitempty"`
	Purged   int64 `json:"purged,omitempty"`
	Archive  string `json:"archive,omitempty"`
}

// boundedLimit clamps a requested batch size to the configured ceiling.
// Zero or negative requests use the ceiling itself.
func boundedLimit(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

func (s *Server) handleRequeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req dlqBatchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			fault.WriteError(w, fault.Wrap(fault.CodeValidation, err, "malformed requeue request"))
			return
		}
	}
	n, err := s.queue.RequeueDeadLetters(r.Context(), boundedLimit(req.Limit, s.dlq.RequeueLimit))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	noStore(w)
	fault.WriteJSON(w, http.StatusOK, dlqBatchResponse{Requeued: n})
}

func (s *Server) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req dlqBatchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			fault.WriteError(w, fault.Wrap(fault.CodeValidation, err, "malformed purge request"))
			return
		}
	}
	res, err := queue.ArchiveAndPurge(r.Context(), s.queue, boundedLimit(req.Limit, s.dlq.PurgeLimit), s.dlq.ArchiveDir)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	noStore(w)
	fault.WriteJSON(w, http.StatusOK, dlqBatchResponse{Purged: res.Purged, Archive: res.ArchivePath})
}
