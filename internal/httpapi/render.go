package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"goa.design/clue/log"

	"github.com/linnemanlabs/vigil/internal/vigilerr"
)

// errorBody is the uniform error rendering: {"error": ..., "detail": ...}.
type errorBody struct {
	Error  string `json:"error"`
	Detail any    `json:"detail,omitempty"`
}

func respond(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf(ctx, err, "encode response")
	}
}

func respondError(ctx context.Context, w http.ResponseWriter, status int, message string, detail any) {
	respond(ctx, w, status, errorBody{Error: message, Detail: detail})
}

// renderError maps a service error onto the wire. Unknown errors become an
// opaque 500; 500 causes are logged, never rendered.
func renderError(ctx context.Context, w http.ResponseWriter, err error) {
	ve, ok := vigilerr.As(err)
	if !ok {
		log.Errorf(ctx, err, "unhandled error")
		respondError(ctx, w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}
	if ve.Status >= http.StatusInternalServerError {
		log.Errorf(ctx, err, "request failed")
	}
	respondError(ctx, w, ve.Status, ve.Message, ve.Detail)
}

// decode unmarshals a JSON request body, rejecting malformed payloads with a
// validation error.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return vigilerr.Validation("invalid request body: %s", err.Error())
	}
	return nil
}
