package api

import (
	"encoding/json"
	"time"
)

// --- POST /v1/baitline/messages ---

// MessageRequest is the JSON body for POST /v1/baitline/messages. An empty
// session_id starts a new session.
type MessageRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// MessageResponse reports what one processed turn produced.
type MessageResponse struct {
	SessionID string `json:"session_id"`
	Turn      int    `json:"turn"`
	State     string `json:"state"`
	Posture   string `json:"posture"`

	Reply             string  `json:"reply"`
	Suspicion         float64 `json:"suspicion"`
	InjectionDetected bool    `json:"injection_detected"`
	NewIndicators     int     `json:"new_indicators"`
	IndicatorCount    int     `json:"indicator_count"`

	Finalized bool   `json:"finalized"`
	Cause     string `json:"finalize_cause,omitempty"`
	Dropped   bool   `json:"dropped,omitempty"`
}

// --- GET /api/baitline/sessions/{session_id} ---

// SessionResp is a read-only snapshot of a live session.
type SessionResp struct {
	SessionID      string    `json:"session_id"`
	State          string    `json:"state"`
	Turn           int       `json:"turn"`
	Posture        string    `json:"posture"`
	Suspicion      float64   `json:"suspicion"`
	ScamCategory   string    `json:"scam_category,omitempty"`
	IndicatorCount int       `json:"indicator_count"`
	IndicatorTypes []string  `json:"indicator_types"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	FinalizeCause  string    `json:"finalize_cause,omitempty"`
	Delivered      bool      `json:"delivered"`
}

// ReportResp wraps a stored report row; Report is the full payload.
type ReportResp struct {
	SessionID     string          `json:"session_id"`
	ReportID      string          `json:"report_id"`
	ScamCategory  string          `json:"scam_category,omitempty"`
	FinalizeCause string          `json:"finalize_cause"`
	Emergency     bool            `json:"emergency"`
	Turns         int             `json:"turns"`
	CreatedAt     time.Time       `json:"created_at"`
	Report        json.RawMessage `json:"report"`
}

// --- API keys ---

// CreateKeyReq is the JSON body for POST /api/baitline/keys.
type CreateKeyReq struct {
	Name string `json:"name"`
}

// CreateKeyResp includes the plaintext API key (shown once).
type CreateKeyResp struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key"`
	KeyPrefix string    `json:"key_prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorResp is the uniform error body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
