// Package webhook receives GitHub App deliveries.
package webhook

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const debugBodyLimit = 4096

type ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func logDebugEvent(logger *log.Logger, eventName string, body []byte) {
	if len(body) > debugBodyLimit {
		logger.Printf("debug event=%s bytes=%d body=%s...", eventName, len(body), body[:debugBodyLimit])
		return
	}
	logger.Printf("debug event=%s body=%s", eventName, body)
}
