package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves /health, /health/ready and /health/live from the manager.
func Handler(m *Manager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		overall := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if overall.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Status     string                 `json:"status"`
			Components map[string]CheckResult `json:"components"`
		}{
			Status:     overall.Status.String(),
			Components: overall.Components,
		})
	})

	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if !m.Ready(r.Context()) {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
