// ABOUTME: Health and readiness HTTP endpoints for the bridge daemon.

package bridge

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"serverId"`
	Version  string `json:"version,omitempty"`
}

type readyResponse struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	Instances int    `json:"instances"`
}

// handleHealth reports liveness: the process is up and serving.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		ServerID: b.serverID,
	})
}

// handleReady reports readiness detail: connected adapter sessions and
// configured instances.
func (b *Bridge) handleReady(w http.ResponseWriter, r *http.Request) {
	instances, err := b.store.ListInstances(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, readyResponse{Status: "error"})
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{
		Status:    "ok",
		Sessions:  b.gateway.SessionCount(),
		Instances: len(instances),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
