package main

import (
	"encoding/json"
	"log"
	"net"
	"net/http"

	"github.com/google/uuid"
)

// NewID returns a random UUID string
func NewID() string {
	return uuid.NewString()
}

// ShortID returns the first segment of an id, for chat and log lines
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}
