package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the body of every error produced by the proxy itself.
// Errors returned by the portal are forwarded untouched.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeJSONError writes a JSON error response with the given status code.
// Encoding failures are logged with ctx; the client may see a partial body.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message, reason string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message, Reason: reason}); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}
