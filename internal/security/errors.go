package security

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the single error shape the API speaks: a stable
// machine-readable code plus the request's correlation id.
type ErrorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	WriteJSONErrorReason(w, r, status, code, "")
}

// WriteJSONErrorReason writes code plus an optional secondary reason, used
// where a coarse error code carries a finer failure taxonomy.
func WriteJSONErrorReason(w http.ResponseWriter, r *http.Request, status int, code, reason string) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:         code,
		Reason:        reason,
		CorrelationID: cid,
	})
}
