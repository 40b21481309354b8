// Package config loads the engagement policy: every turn floor, ceiling,
// decay factor, and cooldown the engine uses. The numbers are hand-tuned
// operational defaults, not derived values; deployments override them
// through a YAML policy file validated against an embedded JSON Schema.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SessionPolicy holds the lifecycle state machine tunables.
type SessionPolicy struct {
	// Detection signal confidence at or above this moves INIT to SCAM_DETECTED.
	SuspicionThreshold float64 `yaml:"suspicion_threshold" json:"suspicion_threshold"`

	// Core-critical indicator coverage.
	CoreCriticalTypes         []string `yaml:"core_critical_types" json:"core_critical_types"`
	HighPriorityTypes         []string `yaml:"high_priority_types" json:"high_priority_types"`
	FullCoverageTurnFloor     int      `yaml:"full_coverage_turn_floor" json:"full_coverage_turn_floor"`
	FullCoverageExtendedFloor int      `yaml:"full_coverage_extended_floor" json:"full_coverage_extended_floor"`
	NearCoverageMissing       int      `yaml:"near_coverage_missing" json:"near_coverage_missing"`
	NearCoverageTurnFloor     int      `yaml:"near_coverage_turn_floor" json:"near_coverage_turn_floor"`

	// Stall and idle finalization.
	StallPatienceTurns        int `yaml:"stall_patience_turns" json:"stall_patience_turns"`
	StallTurnFloor            int `yaml:"stall_turn_floor" json:"stall_turn_floor"`
	IdleTimeoutSeconds        int `yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	IdleWithIndicatorsSeconds int `yaml:"idle_with_indicators_seconds" json:"idle_with_indicators_seconds"`

	// Turn ceilings.
	SoftTurnCeiling          int `yaml:"soft_turn_ceiling" json:"soft_turn_ceiling"`
	SoftCeilingMinIndicators int `yaml:"soft_ceiling_min_indicators" json:"soft_ceiling_min_indicators"`
	HardTurnCeiling          int `yaml:"hard_turn_ceiling" json:"hard_turn_ceiling"`
	EmergencyTurnCeiling     int `yaml:"emergency_turn_ceiling" json:"emergency_turn_ceiling"`

	// Escalation ladder.
	EscalationGraceTurns int `yaml:"escalation_grace_turns" json:"escalation_grace_turns"`
	EscalationStallTurns int `yaml:"escalation_stall_turns" json:"escalation_stall_turns"`

	// Suspicion score accumulator.
	SuspicionInjectionBump float64 `yaml:"suspicion_injection_bump" json:"suspicion_injection_bump"`
	SuspicionDecayRate     float64 `yaml:"suspicion_decay_rate" json:"suspicion_decay_rate"`
	SuspicionCap           float64 `yaml:"suspicion_cap" json:"suspicion_cap"`
}

// ConfidencePolicy holds indicator scoring tunables.
type ConfidencePolicy struct {
	Base      float64 `yaml:"base" json:"base"`
	Increment float64 `yaml:"increment" json:"increment"`
	Floor     float64 `yaml:"floor" json:"floor"`
	Cap       float64 `yaml:"cap" json:"cap"`
}

// BreakerPolicy holds circuit breaker tunables.
type BreakerPolicy struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	FailureWindowSec int `yaml:"failure_window_seconds" json:"failure_window_seconds"`
	CooldownSec      int `yaml:"cooldown_seconds" json:"cooldown_seconds"`
}

// GenerationPolicy holds guarded-call and output bounds for the generative
// backend. Classification gets a tighter timeout than free-text generation.
type GenerationPolicy struct {
	GeneratorTimeoutMs  int `yaml:"generator_timeout_ms" json:"generator_timeout_ms"`
	ClassifierTimeoutMs int `yaml:"classifier_timeout_ms" json:"classifier_timeout_ms"`
	JitterMaxMs         int `yaml:"jitter_max_ms" json:"jitter_max_ms"`
	MaxReplyLength      int `yaml:"max_reply_length" json:"max_reply_length"`
}

// Policy is the full engagement policy document.
type Policy struct {
	Session    SessionPolicy    `yaml:"session" json:"session"`
	Confidence ConfidencePolicy `yaml:"confidence" json:"confidence"`
	Breaker    BreakerPolicy    `yaml:"breaker" json:"breaker"`
	Generation GenerationPolicy `yaml:"generation" json:"generation"`
}

// DefaultPolicy returns the documented defaults. Every number here is an
// operational knob, tuned in deployment, with no deeper significance.
func DefaultPolicy() Policy {
	return Policy{
		Session: SessionPolicy{
			SuspicionThreshold: 0.60,
			CoreCriticalTypes: []string{
				"phone", "payment_handle", "bank_account",
				"email", "routing_code", "link",
			},
			HighPriorityTypes:         []string{"bank_account", "routing_code"},
			FullCoverageTurnFloor:     6,
			FullCoverageExtendedFloor: 9,
			NearCoverageMissing:       1,
			NearCoverageTurnFloor:     16,
			StallPatienceTurns:        6,
			StallTurnFloor:            8,
			IdleTimeoutSeconds:        900,
			IdleWithIndicatorsSeconds: 300,
			SoftTurnCeiling:           18,
			SoftCeilingMinIndicators:  3,
			HardTurnCeiling:           24,
			EmergencyTurnCeiling:      40,
			EscalationGraceTurns:      3,
			EscalationStallTurns:      2,
			SuspicionInjectionBump:    0.35,
			SuspicionDecayRate:        0.15,
			SuspicionCap:              1.0,
		},
		Confidence: ConfidencePolicy{
			Base:      0.50,
			Increment: 0.15,
			Floor:     0.10,
			Cap:       0.95,
		},
		Breaker: BreakerPolicy{
			FailureThreshold: 3,
			FailureWindowSec: 60,
			CooldownSec:      120,
		},
		Generation: GenerationPolicy{
			GeneratorTimeoutMs:  8000,
			ClassifierTimeoutMs: 1500,
			JitterMaxMs:         250,
			MaxReplyLength:      600,
		},
	}
}

// Load reads the YAML policy file at path, overlays it on the defaults, and
// validates the merged document against the embedded schema. An empty path
// returns the defaults.
func Load(path string) (Policy, error) {
	pol := DefaultPolicy()
	if path == "" {
		return pol, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return pol, fmt.Errorf("Load: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pol); err != nil {
		return pol, fmt.Errorf("Load: parse %s: %w", path, err)
	}

	if err := Validate(pol); err != nil {
		return pol, fmt.Errorf("Load: %s: %w", path, err)
	}
	return pol, nil
}

// Validate checks a policy document against the embedded JSON Schema plus
// the cross-field ordering constraints the schema cannot express.
func Validate(pol Policy) error {
	raw, err := json.Marshal(pol)
	if err != nil {
		return fmt.Errorf("Validate: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}

	if err := policySchema.Validate(doc); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}

	s := pol.Session
	if s.HardTurnCeiling <= s.SoftTurnCeiling {
		return fmt.Errorf("Validate: hard_turn_ceiling must exceed soft_turn_ceiling")
	}
	if s.EmergencyTurnCeiling <= s.HardTurnCeiling {
		return fmt.Errorf("Validate: emergency_turn_ceiling must exceed hard_turn_ceiling")
	}
	if s.FullCoverageExtendedFloor < s.FullCoverageTurnFloor {
		return fmt.Errorf("Validate: full_coverage_extended_floor below full_coverage_turn_floor")
	}
	c := pol.Confidence
	if c.Floor > c.Cap || c.Base > c.Cap {
		return fmt.Errorf("Validate: confidence floor/base must not exceed cap")
	}
	return nil
}

var policySchema = jsonschema.MustCompileString("policy.schema.json", policySchemaJSON)

const policySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session", "confidence", "breaker", "generation"],
  "properties": {
    "session": {
      "type": "object",
      "properties": {
        "suspicion_threshold": {"type": "number", "minimum": 0, "maximum": 1},
        "core_critical_types": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "high_priority_types": {"type": "array", "items": {"type": "string"}},
        "full_coverage_turn_floor": {"type": "integer", "minimum": 1},
        "full_coverage_extended_floor": {"type": "integer", "minimum": 1},
        "near_coverage_missing": {"type": "integer", "minimum": 0},
        "near_coverage_turn_floor": {"type": "integer", "minimum": 1},
        "stall_patience_turns": {"type": "integer", "minimum": 1},
        "stall_turn_floor": {"type": "integer", "minimum": 1},
        "idle_timeout_seconds": {"type": "integer", "minimum": 1},
        "idle_with_indicators_seconds": {"type": "integer", "minimum": 1},
        "soft_turn_ceiling": {"type": "integer", "minimum": 1},
        "soft_ceiling_min_indicators": {"type": "integer", "minimum": 0},
        "hard_turn_ceiling": {"type": "integer", "minimum": 1},
        "emergency_turn_ceiling": {"type": "integer", "minimum": 1},
        "escalation_grace_turns": {"type": "integer", "minimum": 0},
        "escalation_stall_turns": {"type": "integer", "minimum": 1},
        "suspicion_injection_bump": {"type": "number", "minimum": 0, "maximum": 1},
        "suspicion_decay_rate": {"type": "number", "minimum": 0, "maximum": 1},
        "suspicion_cap": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "confidence": {
      "type": "object",
      "properties": {
        "base": {"type": "number", "minimum": 0, "maximum": 1},
        "increment": {"type": "number", "minimum": 0, "maximum": 1},
        "floor": {"type": "number", "minimum": 0, "maximum": 1},
        "cap": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "breaker": {
      "type": "object",
      "properties": {
        "failure_threshold": {"type": "integer", "minimum": 1},
        "failure_window_seconds": {"type": "integer", "minimum": 1},
        "cooldown_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "generation": {
      "type": "object",
      "properties": {
        "generator_timeout_ms": {"type": "integer", "minimum": 1},
        "classifier_timeout_ms": {"type": "integer", "minimum": 1},
        "jitter_max_ms": {"type": "integer", "minimum": 0},
        "max_reply_length": {"type": "integer", "minimum": 1}
      }
    }
  }
}`
