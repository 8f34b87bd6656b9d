package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		details := "could not parse JSON"
		if errors.Is(err, io.EOF) {
			details = "request body is empty"
		}
		writeError(w, http.StatusBadRequest, "invalid_request_body", details)
		return false
	}
	return true
}

// writeDomainError is the single place service errors become HTTP responses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *apperr.ValidationError
		conflict   *apperr.SlotConflictError
		transition *apperr.InvalidTransitionError
		notFound   *apperr.NotFoundError
		persist    *apperr.PersistenceError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "validation_failed",
			Details: validation.Message,
			Field:   validation.Field,
		})
	case errors.As(err, &conflict):
		resp := ErrorResponse{Error: "slot_conflict", Details: "the requested time is taken, check availability and try again"}
		if !conflict.Start.IsZero() {
			resp.Conflict = &ConflictResponse{
				AppointmentID: conflict.AppointmentID,
				StartTime:     conflict.Start,
				EndTime:       conflict.End,
			}
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, "invalid_status_transition", transition.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, strings.ReplaceAll(notFound.Resource, " ", "_")+"_not_found", notFound.Error())
	case errors.As(err, &persist) && persist.Retryable:
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("transient failure")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "please retry shortly")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
