package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"marketcache/internal/apperror"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeAppError maps apperror codes to HTTP statuses; anything else is a 500.
func writeAppError(w http.ResponseWriter, err error) {
	var ae *apperror.AppError
	if errors.As(err, &ae) {
		writeError(w, ae.HTTPStatus(), ae.Message())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
