// Package handlers contains the HTTP endpoint implementations.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}

// respondWithJSON sends a JSON success response
func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		// Take first IP if multiple
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}

	return r.RemoteAddr
}

// logMaskedEmail logs a message with a masked login identity
func logMaskedEmail(email, format string, args ...interface{}) {
	log.Printf("Identity "+maskEmail(email)+": "+format, args...)
}

// maskEmail masks a login identity for logging (e.g., al***@example.com)
func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 2 {
		return "***"
	}
	return email[:2] + strings.Repeat("*", at-2) + email[at:]
}

// decodeImagePayload decodes a base64 JPEG sent by the browser. Data-URL
// prefixes (data:image/jpeg;base64,...) are accepted and stripped.
func decodeImagePayload(payload string) ([]byte, error) {
	if i := strings.IndexByte(payload, ','); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+1:]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
}
