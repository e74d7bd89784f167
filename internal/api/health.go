// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/harmonyhub/harmony/internal/fault"
	"github.com/harmonyhub/harmony/internal/gateway"
)

type healthResponse struct {
	Status    string                  `json:"status"`
	Queue     map[string]int64        `json:"queue,omitempty"`
	Providers *gateway.HealthSnapshot `json:"providers,omitempty"`
}

// handleHealthz is pure liveness: the process is up and serving.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	fault.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReadyz verifies the queue store answers and folds in the provider
// health verdict. A down verdict or an unreachable store reports 503.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK

	counts, err := s.queue.CountByState(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("readiness queue check failed")
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	} else {
		depth := make(map[string]int64, len(counts))
		for state, n := range counts {
			depth[string(state)] = n
		}
		resp.Queue = depth
	}

	if s.monitor != nil {
		snap := s.monitor.Snapshot()
		resp.Providers = &snap
		if snap.Overall == gateway.VerdictDown {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	fault.WriteJSON(w, status, resp)
}
