package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jrammler/httprun/internal/service/audit"
	"github.com/jrammler/httprun/internal/service/auth"
	"github.com/jrammler/httprun/internal/service/binder"
	"github.com/jrammler/httprun/internal/service/command"
	"github.com/jrammler/httprun/internal/storage"
)

var BadRequestError = errors.New("Malformed request")
var RateLimitedError = errors.New("Rate limit exceeded")

const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Writing response failed", "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, BadRequestError),
		errors.Is(err, command.ValidationError),
		errors.Is(err, command.CommandDisabledError),
		errors.Is(err, binder.MissingParameterError),
		errors.Is(err, binder.InvalidParameterError),
		errors.Is(err, auth.InvalidTokenRequestError):
		return http.StatusBadRequest
	case errors.Is(err, auth.UnauthenticatedError):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ForbiddenError),
		errors.Is(err, audit.OwnershipError):
		return http.StatusForbidden
	case errors.Is(err, command.CommandNotFoundError),
		errors.Is(err, auth.TokenNotFoundError),
		errors.Is(err, audit.RecordNotFoundError),
		errors.Is(err, storage.NotFoundError):
		return http.StatusNotFound
	case errors.Is(err, storage.ConflictError):
		return http.StatusConflict
	case errors.Is(err, RateLimitedError):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "request_id", requestID(r), "error", err)
		msg = "Internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", BadRequestError, err)
	}
	return nil
}

// splitList parses a comma separated query parameter, ignoring blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
