package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPolicyValidates(t *testing.T) {
	if err := Validate(DefaultPolicy()); err != nil {
		t.Fatalf("default policy does not validate: %v", err)
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	pol, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pol.Session.HardTurnCeiling != DefaultPolicy().Session.HardTurnCeiling {
		t.Error("empty path should return defaults")
	}
}

func TestLoad_FileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	doc := `
session:
  stall_patience_turns: 4
  soft_turn_ceiling: 12
  hard_turn_ceiling: 20
generation:
  max_reply_length: 400
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	pol, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pol.Session.StallPatienceTurns != 4 {
		t.Errorf("stall_patience_turns = %d, want 4", pol.Session.StallPatienceTurns)
	}
	if pol.Generation.MaxReplyLength != 400 {
		t.Errorf("max_reply_length = %d, want 400", pol.Generation.MaxReplyLength)
	}
	// Untouched fields keep their defaults.
	if pol.Session.EmergencyTurnCeiling != DefaultPolicy().Session.EmergencyTurnCeiling {
		t.Error("overlay clobbered an unset field")
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("session:\n  no_such_knob: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("unknown field accepted")
	}
}

func TestValidate_CrossFieldConstraints(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"hard below soft", func(p *Policy) { p.Session.HardTurnCeiling = p.Session.SoftTurnCeiling - 1 }},
		{"emergency below hard", func(p *Policy) { p.Session.EmergencyTurnCeiling = p.Session.HardTurnCeiling }},
		{"extended floor below floor", func(p *Policy) { p.Session.FullCoverageExtendedFloor = 1 }},
		{"confidence base above cap", func(p *Policy) { p.Confidence.Base = 0.99 }},
		{"negative threshold", func(p *Policy) { p.Breaker.FailureThreshold = 0 }},
		{"suspicion cap above one", func(p *Policy) { p.Session.SuspicionCap = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := DefaultPolicy()
			tt.mutate(&pol)
			if err := Validate(pol); err == nil {
				t.Error("invalid policy accepted")
			}
		})
	}
}
