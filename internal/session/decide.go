package session

import (
	"time"

	"github.com/baitline-ai/baitline/internal/config"
	"github.com/baitline-ai/baitline/internal/intel"
)

// Decision is the outcome of one finalization evaluation.
type Decision struct {
	Finalize bool
	Cause    FinalizeCause
}

// Decide evaluates the finalization predicate table, first match wins.
// The order maximizes extracted evidence while bounding worst-case
// engagement length.
//
// One deliberate deviation from strict listing order: the emergency ceiling
// is checked before the suspicious gate. It is a safety net that must hold
// even for a runaway session that somehow never crossed the detection
// threshold, and its firing is its own telemetry signal.
func (s *Session) Decide(pol config.SessionPolicy, now time.Time) Decision {
	// 1. Already finalized: idempotent.
	if s.State == StateFinalized {
		return Decision{Finalize: true, Cause: s.FinalizeCause}
	}

	// Safety net, never reachable in normal operation.
	if s.Turn >= pol.EmergencyTurnCeiling {
		return Decision{Finalize: true, Cause: CauseEmergency}
	}

	// 2. Never finalize a session that was never flagged.
	if !s.Suspicious() {
		return Decision{}
	}

	core := parseTypes(pol.CoreCriticalTypes)
	covered := 0
	for _, t := range core {
		if s.Graph.Has(t) {
			covered++
		}
	}

	// 3. Full coverage. The floor stretches while any high-priority type has
	// only a single occurrence, to let corroborating duplicates arrive.
	if covered == len(core) && len(core) > 0 {
		floor := pol.FullCoverageTurnFloor
		for _, t := range parseTypes(pol.HighPriorityTypes) {
			if s.Graph.Count(t) == 1 {
				floor = pol.FullCoverageExtendedFloor
				break
			}
		}
		if s.Turn >= floor {
			return Decision{Finalize: true, Cause: CauseFullCoverage}
		}
	}

	// 4. Near coverage, later floor.
	if covered >= len(core)-pol.NearCoverageMissing && s.Turn >= pol.NearCoverageTurnFloor {
		return Decision{Finalize: true, Cause: CauseNearCoverage}
	}

	// 5. Stall: nothing new for longer than patience allows.
	if s.Turn-s.LastNewIndicatorTurn >= pol.StallPatienceTurns && s.Turn >= pol.StallTurnFloor {
		return Decision{Finalize: true, Cause: CauseStall}
	}

	// 6. Idle wall clock; shorter leash once evidence is in hand.
	idle := time.Duration(pol.IdleTimeoutSeconds) * time.Second
	if s.Graph.ItemCount() > 0 {
		idle = time.Duration(pol.IdleWithIndicatorsSeconds) * time.Second
	}
	if now.Sub(s.LastActivity) >= idle {
		return Decision{Finalize: true, Cause: CauseIdle}
	}

	// 7. Turn ceilings.
	if s.Turn >= pol.SoftTurnCeiling && s.Graph.ItemCount() >= pol.SoftCeilingMinIndicators {
		return Decision{Finalize: true, Cause: CauseSoftCeiling}
	}
	if s.Turn >= pol.HardTurnCeiling {
		return Decision{Finalize: true, Cause: CauseHardCeiling}
	}

	return Decision{}
}

func parseTypes(names []string) []intel.IndicatorType {
	out := make([]intel.IndicatorType, 0, len(names))
	for _, n := range names {
		if t := intel.ParseType(n); t != intel.TypeUnspecified {
			out = append(out, t)
		}
	}
	return out
}
