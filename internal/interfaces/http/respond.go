package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"finlink/internal/domain/batch"
	"finlink/internal/domain/consent"
	"finlink/internal/domain/fetch"
	"finlink/internal/domain/ingest"
	"finlink/internal/domain/notification"
	"finlink/internal/domain/reconcile"
	"finlink/internal/shared/middleware"
)

const maxBodySize = 1 << 20 // 1 MiB

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, consent.ErrInvalidConsent),
		errors.Is(err, fetch.ErrInvalidRequest),
		errors.Is(err, notification.ErrInvalidToken),
		errors.Is(err, notification.ErrInvalidDeviceType),
		errors.Is(err, notification.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, consent.ErrConsentNotFound),
		errors.Is(err, batch.ErrBatchNotFound),
		errors.Is(err, ingest.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, consent.ErrIllegalTransition),
		errors.Is(err, fetch.ErrConsentNotActive),
		errors.Is(err, fetch.ErrNotRetryable),
		errors.Is(err, batch.ErrBatchTerminal),
		errors.Is(err, reconcile.ErrAlreadyPolling),
		errors.Is(err, reconcile.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, consent.ErrInitiationFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError logs unexpected failures and hides their text from clients.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("Error handling %s %s: %v", r.Method, r.URL.Path, err)
		msg = "Internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}

func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	}
	return userID, ok
}
