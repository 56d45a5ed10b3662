package apiv1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"caregiver-billing/internal/domain"
)

type problem struct {
	Kind       string   `json:"kind"`
	Message    string   `json:"message"`
	Violations []string `json:"violations,omitempty"`
	Retryable  bool     `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, code int, kind, msg string, violations []string) {
	writeJSON(w, code, map[string]problem{"error": {Kind: kind, Message: msg, Violations: violations}})
}

func statusFor(k domain.Kind) int {
	switch k {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindPersistenceConflict:
		return http.StatusConflict
	case domain.KindAmountMismatch:
		return http.StatusUnprocessableEntity
	case domain.KindGateway:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError maps a use case error onto the HTTP error envelope. Internal
// details are logged, never returned.
func writeError(w http.ResponseWriter, log *zerolog.Logger, err error) {
	kind := domain.KindOf(err)
	code := statusFor(kind)
	p := problem{Kind: string(kind), Message: "internal error"}

	var de *domain.Error
	if errors.As(err, &de) && kind != domain.KindInternal {
		p.Message = de.Message
		p.Violations = de.Violations
		p.Retryable = de.Retryable
	} else if kind != domain.KindInternal {
		p.Message = err.Error()
	}
	if code >= 500 {
		log.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	}
	writeJSON(w, code, map[string]problem{"error": p})
}
