package storage

import "time"

// EventWriter is the fire-and-forget sink for engagement telemetry.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *EngagementEvent)
	Close()
}

// Event kinds.
const (
	KindTurn            = "turn"
	KindInjection       = "injection_detected"
	KindFinalized       = "finalized"
	KindDelivery        = "delivery"
	KindBreaker         = "guarded_call"
	KindDroppedMutation = "dropped_mutation"
	KindEscalation      = "escalation"
)

// EngagementEvent is a single telemetry record for one session happening.
type EngagementEvent struct {
	EventID   string
	SessionID string
	Timestamp time.Time
	Kind      string

	Turn         int
	State        string
	Posture      string
	Suspicion    float64
	ScamCategory string

	// Finalization fields (KindFinalized, KindDelivery).
	Cause     string
	Emergency bool

	// Guarded call fields (KindBreaker).
	Operation string
	Status    string

	// Injection fields (KindInjection).
	AttackCategories []string

	// Extraction summary for turn events.
	IndicatorTypes []string
	IndicatorCount uint32
	NewIndicators  uint32

	// Inbound message bookkeeping. Preview only; the hash identifies the
	// full payload without storing it.
	PayloadPreview string
	PayloadHash    string
	PayloadSize    uint32

	Detail    string
	LatencyMs float32
}

// PayloadPreviewLength is the max chars stored in payload_preview.
const PayloadPreviewLength = 500

// TruncatePayload returns the first N characters (runes) of a payload for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncatePayload(payload string, maxLen int) string {
	runes := []rune(payload)
	if len(runes) <= maxLen {
		return payload
	}
	return string(runes[:maxLen])
}
