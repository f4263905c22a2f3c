package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/logging"
)

// maxBodyBytes bounds request bodies; a batch of a few thousand messages fits.
const maxBodyBytes = 4 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var rateErr *ingesterror.RateUnavailableError
	switch {
	case errors.Is(err, ingesterror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingesterror.ErrInvalidRule), errors.Is(err, ingesterror.ErrResetNotConfirmed):
		return http.StatusBadRequest
	case errors.Is(err, ingesterror.ErrSystemRule):
		return http.StatusForbidden
	case errors.Is(err, ingesterror.ErrNotPending), ingesterror.IsDuplicate(err):
		return http.StatusConflict
	case ingesterror.IsParseFailure(err):
		return http.StatusUnprocessableEntity
	case errors.As(err, &rateErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger logging.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.WithError(err).Error(msg)
	} else {
		logger.Debug(msg, logging.F(logging.FieldError, err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, logger logging.Logger, msg string, err error) {
	logger.Debug(msg, logging.F(logging.FieldError, err.Error()))
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg + ": " + err.Error()})
}
