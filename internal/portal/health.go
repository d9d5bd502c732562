package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type healthCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]healthCheck `json:"checks"`
}

// Health reports the portal's own dependencies: the session store, the
// user store, and the upstream search service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := healthResponse{Status: "ok", Checks: make(map[string]healthCheck)}

	record := func(name string, err error) {
		check := healthCheck{Status: "ok"}
		if err != nil {
			check.Status = "degraded"
			check.Error = err.Error()
			response.Status = "degraded"
		}
		response.Checks[name] = check
		h.metrics().SetUpstreamHealth(name, check.Status)
	}

	record("sessions", h.Sessions.Ping(ctx))
	record("users", h.Store.Ping())
	record("search", h.Search.Ping(ctx))

	status := http.StatusOK
	if response.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
