package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/berth-sh/berth/internal/apperr"
)

// writeJSON writes a JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps a service error onto an HTTP response. Typed errors keep
// their message; anything else becomes an opaque 500.
func writeAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if apperr.KindOf(err) == apperr.KindInternal {
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
