// Package handler implements the JSON API surface.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/efox/shoplist/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps the fixed domain errors onto HTTP statuses.
// Precondition failures are the caller's fault; everything else is a
// backend failure the client can only retry.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNoIdentity), errors.Is(err, store.ErrNoActiveList):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
