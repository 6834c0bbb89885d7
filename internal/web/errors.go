package web

// errors.go turns service errors into JSON responses.
//
// The technical error is logged with the request id. The client gets the
// operator message from core.MapError with its code, and a status chosen
// from the error's sentinel.

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/logging"
	"github.com/JonMunkholm/stagemerge/internal/pipeline"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.IsAny(err, pipeline.ErrBatchBusy, store.ErrVersionConflict, store.ErrItemExists):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrTooManyBatches):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes its mapped message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	respondErrorStatus(w, r, err, statusFor(err))
}

func respondErrorStatus(w http.ResponseWriter, r *http.Request, err error, status int) {
	msg := core.MapError(err)

	log := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", msg.Code,
		"error", err.Error(),
	}
	if status >= http.StatusInternalServerError {
		log.Error("request error", attrs...)
	} else {
		log.Warn("request error", attrs...)
	}

	detail := err.Error()
	if status >= http.StatusInternalServerError {
		detail = msg.Message
	}
	writeErrorBody(w, status, ErrorResponse{
		Error:   detail,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// badRequest reports a malformed request that never reached the service.
func badRequest(w http.ResponseWriter, r *http.Request, format string, args ...any) {
	respondErrorStatus(w, r, errors.Wrapf(core.ErrInvalidInput, format, args...), http.StatusBadRequest)
}

func writeErrorBody(w http.ResponseWriter, status int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
