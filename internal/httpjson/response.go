package httpjson

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopmesh/orderflow/internal/domain"
)

const (
	StatusSuccess = "success"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Envelope is a JSON object body. The "status" key is set by the writers.
type Envelope map[string]any

func Write(w http.ResponseWriter, logger *slog.Logger, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil && logger != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func Success(w http.ResponseWriter, logger *slog.Logger, code int, body Envelope) {
	if body == nil {
		body = Envelope{}
	}
	body["status"] = StatusSuccess
	Write(w, logger, code, body)
}

func OK(w http.ResponseWriter, logger *slog.Logger, code int, body Envelope) {
	if body == nil {
		body = Envelope{}
	}
	body["status"] = StatusOK
	Write(w, logger, code, body)
}

func Error(w http.ResponseWriter, logger *slog.Logger, code int, message string, details ...string) {
	body := Envelope{"status": StatusError, "message": message}
	if len(details) > 0 {
		body["errors"] = details
	}
	Write(w, logger, code, body)
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientResource):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthentic):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromError writes the error envelope for err. Unclassified errors are
// logged and reported without their message.
func FromError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		if logger != nil {
			logger.Error("request failed", "error", err)
		}
		Error(w, logger, code, "internal server error")
		return
	}

	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		Error(w, logger, code, "validation failed", vErr.Error())
		return
	}
	Error(w, logger, code, err.Error())
}
