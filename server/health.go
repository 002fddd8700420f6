package server

import (
	"net/http"

	"github.com/teranos/fetchq/pulse/async"
	"github.com/teranos/fetchq/version"
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string              `json:"status"` // running, draining or stopped
	Version   string              `json:"version"`
	Semver    string              `json:"semver"`
	Commit    string              `json:"commit"`
	BuildTime string              `json:"build_time"`
	Clients   int                 `json:"clients"`
	System    async.SystemMetrics `json:"system"`
}

// HandleHealth reports server state, build version and coordinator load
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	info := version.Get()
	resp := HealthResponse{
		Status:    s.getState().String(),
		Version:   info.Version,
		Commit:    info.Short(),
		BuildTime: info.BuildTime,
		Clients:   s.clientCount(),
		System:    s.coord.GetSystemMetrics(),
	}
	if v, err := info.Semver(); err == nil {
		resp.Semver = v.String()
	}

	status := http.StatusOK
	if s.getState() != ServerStateRunning {
		status = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, status, resp)
}
