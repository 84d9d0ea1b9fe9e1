package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const maxBodyBytes = 64 << 10

// writeJSON encodes payload as the response body.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body into dst. On failure it has already
// written a 400 or 413 response and returns false.
func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, req.Body, maxBodyBytes)
	err := json.NewDecoder(body).Decode(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, "request body required")
	default:
		writeError(w, http.StatusBadRequest, "invalid JSON body")
	}
	return false
}
