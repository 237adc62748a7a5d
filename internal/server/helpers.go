package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/cwbudde/mixprectune/internal/store"
)

// writeJSON writes v as a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeStoreError maps run store errors onto HTTP status codes
func writeStoreError(w http.ResponseWriter, err error) {
	var notFound *store.NotFoundError
	if errors.As(err, &notFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// validRunID rejects IDs that are not UUIDs, which also keeps path
// traversal out of the run store.
func validRunID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
