// Package report builds the finalized intelligence snapshot and hands it to
// the external scoring callback. The core guarantees exactly one delivery
// attempt sequence per session; the retry policy lives here in the Courier,
// outside the lifecycle state machine.
package report

import (
	"time"

	"github.com/baitline-ai/baitline/internal/session"
)

// Indicator is one flattened graph item.
type Indicator struct {
	Type          string   `json:"type"`
	Value         string   `json:"value"`
	NormalizedKey string   `json:"normalized_key"`
	Confidence    float64  `json:"confidence"`
	FirstSeenTurn int      `json:"first_seen_turn"`
	LastSeenTurn  int      `json:"last_seen_turn"`
	Sources       []string `json:"sources"`
}

// Report is the complete finalized snapshot delivered to the callback.
type Report struct {
	ReportID      string      `json:"report_id"`
	SessionID     string      `json:"session_id"`
	ScamCategory  string      `json:"scam_category"`
	FinalizeCause string      `json:"finalize_cause"`
	Emergency     bool        `json:"emergency"`
	Turns         int         `json:"turns"`
	Suspicion     float64     `json:"suspicion"`
	Escalation    string      `json:"escalation"`
	StartedAt     time.Time   `json:"started_at"`
	FinalizedAt   time.Time   `json:"finalized_at"`
	IndicatorSet  []string    `json:"indicator_types"`
	Indicators    []Indicator `json:"indicators"`
}

// Flatten snapshots a finalized session into a Report. The session is not
// mutated; the report shares no state with the graph.
func Flatten(reportID string, s *session.Session) *Report {
	r := &Report{
		ReportID:      reportID,
		SessionID:     s.ID,
		ScamCategory:  s.ScamCategory,
		FinalizeCause: string(s.FinalizeCause),
		Emergency:     s.FinalizeCause == session.CauseEmergency,
		Turns:         s.Turn,
		Suspicion:     s.Suspicion,
		Escalation:    s.Posture.String(),
		StartedAt:     s.CreatedAt,
		FinalizedAt:   s.FinalizedAt,
	}

	for _, t := range s.Graph.Types() {
		r.IndicatorSet = append(r.IndicatorSet, t.String())
	}
	for _, it := range s.Graph.Flatten() {
		sources := make([]string, 0, len(it.Sources))
		for _, src := range it.Sources {
			sources = append(sources, string(src))
		}
		r.Indicators = append(r.Indicators, Indicator{
			Type:          it.Type.String(),
			Value:         it.Value,
			NormalizedKey: it.NormalizedKey,
			Confidence:    it.Confidence,
			FirstSeenTurn: it.FirstSeenTurn,
			LastSeenTurn:  it.LastSeenTurn,
			Sources:       sources,
		})
	}
	return r
}
