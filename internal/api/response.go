package api

import (
	"encoding/json"
	"net/http"

	"portal-bridge/internal/errors"
	"portal-bridge/internal/logger"
)

// WriteJSON writes a JSON response with the given status code. The status is
// sent even when data cannot be encoded.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, status int, message string) error {
	return WriteJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	if err := WriteJSON(w, status, data); err != nil {
		s.log.Debugw("Failed to write response", logger.FieldStatus, status, logger.FieldError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	if err := WriteError(w, status, message); err != nil {
		s.log.Debugw("Failed to write response", logger.FieldStatus, status, logger.FieldError, err)
	}
}
