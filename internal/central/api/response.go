// Package api implements the HTTP surface for CentralServer, served under
// /api. Every response is a bare JSON object per the wire contract — no
// envelope wrapping — since MCPBridge and the fleet dashboard both parse
// these payloads directly.
package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with payload encoded as-is.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// ErrJSON writes a `{"error": message}` response with the given status.
func ErrJSON(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrBadRequest writes a 400 response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	ErrJSON(w, http.StatusBadRequest, message)
}

// ErrNotFound writes a 404 response.
func ErrNotFound(w http.ResponseWriter, message string) {
	ErrJSON(w, http.StatusNotFound, message)
}

// ErrInternal writes a 500 response.
func ErrInternal(w http.ResponseWriter, message string) {
	ErrJSON(w, http.StatusInternalServerError, message)
}

// decodeJSON decodes the request body into dst, writing a 400 response and
// returning false on failure so the caller can early-return. A missing
// body (EOF) decodes as a zero-value dst rather than failing, since
// several endpoints (e.g. POST /sessions) accept an empty body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
