package server

import (
	"net/http"
	"time"
)

type componentHealth struct {
	Status  string `json:"status"`
	Details any    `json:"details,omitempty"`
}

type healthReport struct {
	Status     string                     `json:"status"`
	Components map[string]componentHealth `json:"components"`
	Circuit    string                     `json:"circuit"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// handleHealth reports per-component status. 200 for healthy/degraded,
// 503 for unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:     "healthy",
		Components: make(map[string]componentHealth),
		Circuit:    s.coordinator.BreakerState(),
		Timestamp:  time.Now().UTC(),
	}

	if err := s.store.Ping(r.Context()); err != nil {
		report.Components["database"] = componentHealth{Status: "unhealthy", Details: err.Error()}
		report.Status = "unhealthy"
	} else {
		report.Components["database"] = componentHealth{Status: "healthy"}
	}

	stats := s.pool.Stats()
	poolStatus := "healthy"
	switch {
	case stats.Total == 0 || stats.Healthy == 0:
		poolStatus = "unhealthy"
	case stats.Healthy*2 < stats.Total:
		poolStatus = "degraded"
	}
	report.Components["session_pool"] = componentHealth{Status: poolStatus, Details: stats}

	switch {
	case report.Status == "unhealthy" || poolStatus == "unhealthy":
		report.Status = "unhealthy"
	case poolStatus == "degraded":
		report.Status = "degraded"
	}

	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
