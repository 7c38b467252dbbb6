package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth answers liveness checks.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ok"))
}

type statusResponse struct {
	Controller    string   `json:"controller"`
	Uptime        string   `json:"uptime"`
	EngineLabel   string   `json:"engine_label"`
	EngineImage   string   `json:"engine_image"`
	MaxEngines    int      `json:"max_engines"`
	RunPoll       string   `json:"run_poll"`
	Requestors    []string `json:"scheduled_requestors,omitempty"`
	Required      []string `json:"required_capabilities,omitempty"`
	Capable       []string `json:"capable_capabilities,omitempty"`
	AllocationTTL string   `json:"allocation_timeout"`
}

// handleStatus returns the controller identity and current settings.
func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.settings.Current()

	writeJSON(w, http.StatusOK, statusResponse{
		Controller:    s.controllerID,
		Uptime:        time.Since(s.started).Truncate(time.Second).String(),
		EngineLabel:   snap.EngineLabel,
		EngineImage:   snap.EngineImage,
		MaxEngines:    snap.MaxEngines,
		RunPoll:       snap.RunPoll.String(),
		Requestors:    snap.ScheduledRequestors,
		Required:      snap.RequiredCapabilities,
		Capable:       snap.CapableCapabilities,
		AllocationTTL: snap.AllocationTimeout.String(),
	})
}
