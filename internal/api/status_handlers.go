package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sipserv/sipserv/internal/orchestrator"
	"github.com/sipserv/sipserv/internal/sip"
)

// statusResponse is the shape returned by GET /status.
type statusResponse struct {
	Call         *orchestrator.Status   `json:"call,omitempty"`
	Registration *sip.RegistrationState `json:"registration,omitempty"`
	SIP          *sip.Stats             `json:"sip,omitempty"`
	Uptime       uptimeResponse         `json:"uptime"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.opts.Version,
	})
}

// handleStatus returns the current call, the account registration and
// the SIP counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse

	if s.opts.Calls != nil {
		st := s.opts.Calls.Status()
		resp.Call = &st
	}
	if s.opts.SIP != nil {
		reg := s.opts.SIP.Registration()
		stats := s.opts.SIP.Stats()
		resp.Registration = &reg
		resp.SIP = &stats
	}

	uptime := time.Since(s.opts.StartTime)
	resp.Uptime = uptimeResponse{
		StartedAt:  s.opts.StartTime.UTC().Format(time.RFC3339),
		UptimeSec:  int64(uptime.Seconds()),
		UptimeText: formatUptime(uptime),
	}

	writeJSON(w, http.StatusOK, resp)
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
