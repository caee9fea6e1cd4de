package main

import (
	"encoding/json"
	"net/http"

	"xraytun/internal/logging"
)

type handlers struct {
	catalog *catalog
	logger  *logging.Logger
}

// health handles GET /health
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "OK")
}

// list handles GET /profiles
func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, h.catalog.summaries()); err != nil {
		h.logger.Errorf("failed to encode profiles: %v", err)
	}
}

// get handles GET /profiles/{id} and returns the engine config unchanged.
func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.catalog.find(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Not Found")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(entry.Config); err != nil {
		h.logger.Warnf("failed to write profile %s: %v", entry.ID, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	_ = writeJSON(w, status, message)
}
