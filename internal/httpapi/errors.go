package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pthm/dls"
)

type errorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// errorKind names the taxonomy class of err for API clients.
func errorKind(err error) string {
	switch {
	case dls.IsNotAllowedErr(err):
		return "not_allowed"
	case dls.IsNotConsistentErr(err):
		return "not_consistent"
	case dls.IsNotFoundErr(err):
		return "not_found"
	case dls.IsTransientErr(err):
		return "unavailable"
	default:
		return "internal"
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := dls.HTTPStatus(err)
	body := errorBody{Kind: errorKind(err), Message: err.Error(), Details: dls.ErrorDetails(err)}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		if body.Kind == "internal" {
			body.Message = "internal error"
		}
	}
	writeErrorBody(w, status, body)
}

func writeErrorBody(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
