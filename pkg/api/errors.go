package api

import (
	"encoding/json"
	"net/http"

	"github.com/antcode/antcode/pkg/apperr"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusForKind maps the behavioural error taxonomy (spec §7) onto HTTP
// status codes at the API boundary — the one place in this codebase that
// is allowed to know about status codes.
func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindNodeUnavailable, apperr.KindQueueUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if kind, ok := apperr.KindOf(err); ok {
		status = statusForKind(kind)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
