// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harmonyhub/harmony/internal/fault"
	"github.com/harmonyhub/harmony/internal/ingest"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var sub ingest.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		fault.WriteError(w, fault.Wrap(fault.CodeValidation, err, "malformed submission"))
		return
	}
	res, err := s.ingest.Submit(r.Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrInvalid), errors.Is(err, ingest.ErrTooLarge):
			fault.WriteError(w, fault.Wrap(fault.CodeValidation, err, err.Error()))
		case errors.Is(err, ingest.ErrBusy):
			fault.WriteError(w, fault.Wrap(fault.CodeRateLimited, err, "matching backlog full, retry later"))
		default:
			s.log.Error().Err(err).Msg("ingest submission failed")
			fault.WriteError(w, err)
		}
		return
	}
	noStore(w)
	status := http.StatusCreated
	if res.JobID == "" {
		// Every entry was skipped; no job row exists. The body still
		// reports the per-entry reasons.
		status = http.StatusOK
	}
	fault.WriteJSON(w, status, res)
}
