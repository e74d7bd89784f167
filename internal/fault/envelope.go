// SPDX-License-Identifier: MIT

package fault

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harmonyhub/harmony/internal/log"
)

// Envelope is the uniform response wrapper for client-facing ports.
// Successful responses carry {ok:true, data}; failures carry
// {ok:false, error:{code, message, meta?}}.
type Envelope struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *EnvelopeError `json:"error,omitempty"`
}

// EnvelopeError is the error half of the envelope.
type EnvelopeError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// HTTPStatus maps a stable code to its transport status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeDependency:
		return http.StatusBadGateway
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeLeaseLost:
		return http.StatusConflict
	case CodeBudgetExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON renders a success envelope.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{OK: true, Data: data}); err != nil {
		logger := log.WithComponent("fault")
		logger.Error().Err(err).Msg("failed to encode response envelope")
	}
}

// WriteError renders an error envelope, deriving the status from the code.
// Unclassified errors are masked as INTERNAL_ERROR without leaking detail.
func WriteError(w http.ResponseWriter, err error) {
	env := &EnvelopeError{Code: CodeInternal, Message: "internal error"}
	var fe *Error
	if errors.As(err, &fe) {
		env.Code = fe.Code
		env.Message = fe.Message
		env.Meta = fe.Meta
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(env.Code))
	if encErr := json.NewEncoder(w).Encode(Envelope{OK: false, Error: env}); encErr != nil {
		logger := log.WithComponent("fault")
		logger.Error().Err(encErr).Msg("failed to encode error envelope")
	}
}
