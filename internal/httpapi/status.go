package httpapi

import (
	"fmt"
	"net/http"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	Version        string        `json:"version,omitempty"`
	Liveness       Liveness      `json:"liveness"`
	ChatMode       string        `json:"chat_mode"`
	AIBackend      string        `json:"ai_backend"`
	StoreMode      string        `json:"store_mode"`
	WebhookEnabled bool          `json:"webhook_enabled"`
	ActiveSessions int           `json:"active_sessions"`
	Checks         []statusCheck `json:"checks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	live := s.reporter.Status()
	sessions := 0
	if s.info.ActiveSessions != nil {
		sessions = s.info.ActiveSessions()
	}

	checks := make([]statusCheck, 0, 4)
	checks = append(checks, s.connectionCheck(live))
	checks = append(checks, s.backendCheck())
	checks = append(checks, s.storeCheck())
	if s.info.WebhookEnabled {
		checks = append(checks, statusCheck{
			ID:     "webhook",
			Status: "ok",
			Label:  "Bot webhook",
			Detail: "POST /webhook",
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		Version:        s.info.Version,
		Liveness:       live,
		ChatMode:       s.info.ChatMode,
		AIBackend:      s.info.AIBackend,
		StoreMode:      s.info.StoreMode,
		WebhookEnabled: s.info.WebhookEnabled,
		ActiveSessions: sessions,
		Checks:         checks,
	})
}

func (s *Server) connectionCheck(live Liveness) statusCheck {
	c := statusCheck{ID: "chat_connection", Label: "Chat connection", Detail: live.Detail}
	switch {
	case live.Ready && s.info.ChatMode == "mock":
		c.Status = "warn"
		c.Detail = fmt.Sprintf("%s (mock client)", live.Detail)
		c.Fix = "Set CHAT_MODE=bridge and CHAT_SESSION to connect a real account."
	case live.Ready:
		c.Status = "ok"
	default:
		c.Status = "error"
		c.Fix = "Check CHAT_BRIDGE_URL and CHAT_SESSION, then restart."
	}
	return c
}

func (s *Server) backendCheck() statusCheck {
	c := statusCheck{ID: "ai_backend", Label: "AI backend", Detail: s.info.AIBackend}
	switch s.info.AIBackend {
	case "":
		c.Status = "error"
		c.Detail = "not configured"
	case "mock":
		c.Status = "warn"
		c.Fix = "Set GEMINI_API_KEY (or another provider key) for real replies."
	default:
		c.Status = "ok"
	}
	return c
}

func (s *Server) storeCheck() statusCheck {
	c := statusCheck{ID: "history_store", Label: "Conversation persistence", Detail: s.info.StoreMode}
	switch s.info.StoreMode {
	case "postgres", "sqlite":
		c.Status = "ok"
	default:
		c.Status = "warn"
		c.Detail = "in-memory only"
		c.Fix = "Set DATABASE_URL to persist webhook history across restarts."
	}
	return c
}
