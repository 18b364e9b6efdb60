package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"roomchat/internal/auth"
	"roomchat/internal/chats"
	"roomchat/internal/db"
	"roomchat/internal/models"
)

// statusFor maps a service error to its HTTP status. Zero means the error
// is unexpected.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, chats.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, chats.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chats.ErrNotFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrUsernameTaken), errors.Is(err, db.ErrDuplicate):
		return http.StatusConflict
	default:
		return 0
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == 0 {
		h.logger.Printf("%s %s failed: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
