package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/fablevoice/internal/narration"
	"github.com/MrWong99/fablevoice/internal/voiceclone"
	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

// Error codes returned in the response body.
const (
	codeUnauthenticated     = "unauthenticated"
	codeInvalidArgument     = "invalid_argument"
	codeQuotaExceeded       = "quota_exceeded"
	codeProviderUnavailable = "provider_unavailable"
	codeProviderRejected    = "provider_rejected"
	codeSampleFetchFailed   = "sample_fetch_failed"
	codeCapacityExhausted   = "capacity_exhausted"
	codeInternal            = "internal"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps a service error to an HTTP status, an error code and a
// user-facing message. Internal details are only exposed for invalid input.
func classify(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, voiceclone.ErrInvalidRequest), errors.Is(err, narration.ErrInvalidRequest):
		return http.StatusBadRequest, codeInvalidArgument, validationMessage(err)
	case errors.Is(err, narration.ErrQuotaExceeded):
		return http.StatusTooManyRequests, codeQuotaExceeded,
			"The monthly narration quota has been used up. It resets at the start of next month."
	case errors.Is(err, voiceclone.ErrCapacityExhausted):
		return http.StatusServiceUnavailable, codeCapacityExhausted,
			"No voice slot could be freed right now. Please try again shortly."
	case errors.Is(err, voice.ErrSampleFetchFailed):
		return http.StatusUnprocessableEntity, codeSampleFetchFailed,
			"One of the voice samples could not be downloaded."
	case errors.Is(err, voice.ErrProviderRejected):
		return http.StatusUnprocessableEntity, codeProviderRejected,
			"The voice service rejected the request."
	case errors.Is(err, voice.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, codeProviderUnavailable,
			"The voice service is temporarily unavailable. Please try again later."
	default:
		return http.StatusInternalServerError, codeInternal, "internal error"
	}
}

// validationMessage strips the sentinel prefix from a validation error.
func validationMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{voiceclone.ErrInvalidRequest, narration.ErrInvalidRequest} {
		msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	}
	return strings.ReplaceAll(msg, "\n", "; ")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
