package http

import (
	"time"

	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	ActiveSession string `json:"active_session,omitempty"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartSessionRequest is the request body for POST /api/v1/sessions.
type StartSessionRequest struct {
	Request   string `json:"request"`
	Repo      string `json:"repo,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// StartSessionResponse is returned when a session was accepted.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	EventsURL string `json:"events_url"`
}

// SessionSummary is one row of GET /api/v1/sessions.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Node      string    `json:"node"`
	Turn      int       `json:"turn"`
	Done      bool      `json:"done"`
	Steps     int       `json:"steps"`
	Running   bool      `json:"running"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionResponse is the response body for GET /api/v1/sessions/:id.
type SessionResponse struct {
	SessionID         string                 `json:"session_id"`
	Node              string                 `json:"node"`
	Next              string                 `json:"next"`
	Turn              int                    `json:"turn"`
	Steps             int                    `json:"steps"`
	LastAgent         string                 `json:"last_agent"`
	CoderTesterRounds int                    `json:"coder_tester_rounds"`
	ToolCallCounts    map[string]int         `json:"tool_call_counts"`
	NodeHitCounts     map[string]int         `json:"node_hit_counts"`
	Done              bool                   `json:"done"`
	Running           bool                   `json:"running"`
	Error             string                 `json:"error,omitempty"`
	Trace             []string               `json:"trace"`
	Messages          []orchestrator.Message `json:"messages,omitempty"`
	Report            string                 `json:"report,omitempty"`
}

func sessionResponse(st orchestrator.State, running, withMessages bool) SessionResponse {
	resp := SessionResponse{
		SessionID:         st.SessionID,
		Node:              st.Node,
		Next:              st.Next,
		Turn:              st.Turn,
		Steps:             st.Steps,
		LastAgent:         st.LastAgent,
		CoderTesterRounds: st.CoderTesterRounds,
		ToolCallCounts:    st.ToolCallCounts,
		NodeHitCounts:     st.NodeHitCounts,
		Done:              st.Done,
		Running:           running,
		Error:             st.Err,
		Trace:             st.Trace,
	}
	if withMessages {
		resp.Messages = st.Messages
	}
	if st.Done && len(st.Messages) > 0 {
		resp.Report = st.Messages[len(st.Messages)-1].Content
	}
	return resp
}
