// Package session owns the per-conversation lifecycle: the forward-only
// state ladder, the finalization predicate table, the escalation ladder,
// and the suspicion accumulator.
package session

import (
	"time"

	"github.com/baitline-ai/baitline/internal/config"
	"github.com/baitline-ai/baitline/internal/intel"
)

// State is the lifecycle position. Transitions only move forward;
// StateFinalized is terminal.
type State int

const (
	StateInit State = iota + 1
	StateScamDetected
	StateEngaging
	StateExtracting
	StateFinalized
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateScamDetected:
		return "scam_detected"
	case StateEngaging:
		return "engaging"
	case StateExtracting:
		return "extracting"
	case StateFinalized:
		return "finalized"
	default:
		return "unspecified"
	}
}

// Posture is the behavioral rung adopted as extraction stalls. The ladder
// only climbs; a fresh indicator pauses it without rolling it back.
// PostureDefensive is the out-of-band override applied when an injection
// attempt is caught, regardless of ladder position.
type Posture int

const (
	PostureConfusion Posture = iota
	PostureTechnicalClarification
	PostureFrustratedVictim
	PostureAuthorityChallenge
	PostureDefensive
)

func (p Posture) String() string {
	switch p {
	case PostureConfusion:
		return "confusion"
	case PostureTechnicalClarification:
		return "technical_clarification"
	case PostureFrustratedVictim:
		return "frustrated_victim"
	case PostureAuthorityChallenge:
		return "authority_challenge"
	case PostureDefensive:
		return "defensive"
	default:
		return "unspecified"
	}
}

// FinalizeCause names which predicate ended the engagement. CauseEmergency
// is kept distinct so runaway sessions stand out in telemetry.
type FinalizeCause string

const (
	CauseFullCoverage FinalizeCause = "full_coverage"
	CauseNearCoverage FinalizeCause = "near_coverage"
	CauseStall        FinalizeCause = "stall"
	CauseIdle         FinalizeCause = "idle"
	CauseSoftCeiling  FinalizeCause = "soft_ceiling"
	CauseHardCeiling  FinalizeCause = "hard_ceiling"
	CauseEmergency    FinalizeCause = "emergency_ceiling"
)

// Session is one conversation with a counterparty. Not safe for concurrent
// use: the orchestrator serializes turns per session, which the state
// machine depends on (transitions and stall bookkeeping are order-sensitive).
type Session struct {
	ID        string
	State     State
	Turn      int
	CreatedAt time.Time

	LastActivity time.Time

	// Stall bookkeeping.
	LastNewIndicatorTurn int
	StallTurns           int

	// Suspicion accumulator and detection metadata.
	Suspicion    float64
	ScamCategory string

	// Escalation ladder rung plus the out-of-band defensive override.
	Posture           Posture
	DefensiveOverride bool

	Graph *intel.Graph

	FinalizeCause FinalizeCause
	FinalizedAt   time.Time
	Delivered     bool

	// Telemetry counter for guarded no-ops; not conversation state.
	DroppedMutations int
}

// New creates a session in StateInit.
func New(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		State:        StateInit,
		CreatedAt:    now,
		LastActivity: now,
		Graph:        intel.NewGraph(),
	}
}

// guard is the finalized-session no-op check at the top of every mutating
// operation. A finalized session drops the mutation silently; the counter
// lets the orchestrator surface it to telemetry.
func (s *Session) guard() bool {
	if s.State == StateFinalized {
		s.DroppedMutations++
		return false
	}
	return true
}

// BeginTurn advances the turn counter and activity clock. Returns false (a
// guarded no-op) on a finalized session.
func (s *Session) BeginTurn(now time.Time) bool {
	if !s.guard() {
		return false
	}
	s.Turn++
	s.LastActivity = now
	// A clean turn clears the defensive override; RecordInjection re-arms it
	// later in the same turn when the inbound text was hostile.
	s.DefensiveOverride = false
	return true
}

// MarkSuspicious applies an external detection signal. Crossing the
// threshold moves INIT to SCAM_DETECTED; later signals only update the
// category bookkeeping.
func (s *Session) MarkSuspicious(confidence float64, category string, pol config.SessionPolicy) {
	if !s.guard() {
		return
	}
	if confidence < pol.SuspicionThreshold {
		return
	}
	if s.ScamCategory == "" {
		s.ScamCategory = category
	}
	if s.State == StateInit {
		s.State = StateScamDetected
	}
}

// Suspicious reports whether the session ever crossed the detection
// threshold.
func (s *Session) Suspicious() bool {
	return s.State >= StateScamDetected
}

// Merge runs candidates through the graph and folds the result into the
// lifecycle bookkeeping. This is the only write path into the graph, so the
// finalized guard here covers it.
func (s *Session) Merge(cands []intel.Candidate, cfg intel.ConfidenceConfig) intel.MergeResult {
	if !s.guard() {
		return intel.MergeResult{}
	}
	res := s.Graph.ExtractAndMerge(cands, s.Turn, cfg)
	s.ApplyMerge(res)
	return res
}

// ApplyMerge folds an extraction result into the stall bookkeeping and the
// ENGAGING/EXTRACTING progression. New indicators reset the stall counter;
// all-duplicate extractions earn partial credit (decrement, floored at zero)
// so repeated spam cannot fully reset patience.
func (s *Session) ApplyMerge(res intel.MergeResult) {
	if !s.guard() {
		return
	}

	if s.State == StateScamDetected {
		s.State = StateEngaging
	}
	if s.State == StateEngaging && s.Graph.ItemCount() > 0 {
		s.State = StateExtracting
	}

	switch {
	case res.NewItems > 0:
		s.StallTurns = 0
		s.LastNewIndicatorTurn = s.Turn
	case res.Candidates > 0:
		if s.StallTurns > 0 {
			s.StallTurns--
		}
	default:
		s.StallTurns++
	}
}

// RecordInjection applies the suspicion penalty for a detected injection
// attempt and forces the defensive posture override.
func (s *Session) RecordInjection(pol config.SessionPolicy) {
	if !s.guard() {
		return
	}
	s.Suspicion += pol.SuspicionInjectionBump
	if s.Suspicion > pol.SuspicionCap {
		s.Suspicion = pol.SuspicionCap
	}
	s.DefensiveOverride = true
}

// DecaySuspicion applies the per-turn decay for a turn with no suspicious
// signal. Values near zero snap to zero.
func (s *Session) DecaySuspicion(pol config.SessionPolicy) {
	if !s.guard() {
		return
	}
	s.Suspicion *= 1 - pol.SuspicionDecayRate
	if s.Suspicion < 0.01 {
		s.Suspicion = 0
	}
}

// AdvanceEscalation climbs the ladder one rung when extraction has stalled
// long enough past the grace period. The ladder never descends; the cap is
// the top rung.
func (s *Session) AdvanceEscalation(pol config.SessionPolicy) {
	if !s.guard() {
		return
	}
	if s.Turn <= pol.EscalationGraceTurns {
		return
	}
	if s.StallTurns < pol.EscalationStallTurns {
		return
	}
	if s.Posture < PostureAuthorityChallenge {
		s.Posture++
		s.StallTurns = 0
	}
}

// EffectivePosture is the posture generation should use this turn: the
// defensive override when armed, the ladder rung otherwise.
func (s *Session) EffectivePosture() Posture {
	if s.DefensiveOverride {
		return PostureDefensive
	}
	return s.Posture
}

// Finalize moves the session to the terminal state. Idempotent: only the
// first call records the cause, and only the first call returns true.
func (s *Session) Finalize(cause FinalizeCause, now time.Time) bool {
	if s.State == StateFinalized {
		return false
	}
	s.State = StateFinalized
	s.FinalizeCause = cause
	s.FinalizedAt = now
	return true
}

// MarkDelivered records the one-shot report handoff. Only meaningful on a
// finalized session.
func (s *Session) MarkDelivered() {
	if s.State == StateFinalized {
		s.Delivered = true
	}
}
