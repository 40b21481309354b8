package storage

import (
	"testing"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTruncatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		maxLen  int
		want    string
	}{
		{"short unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"truncated", "hello world", 5, "hello"},
		{"multibyte not split", "héllo wörld", 6, "héllo "},
		{"empty", "", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncatePayload(tt.payload, tt.maxLen)
			if got != tt.want {
				t.Errorf("TruncatePayload(%q, %d) = %q, want %q", tt.payload, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestLogWriter(t *testing.T) {
	w := NewLogWriter(zap.NewNop())
	defer w.Close()

	// Must not panic or block on any event shape.
	w.Write(&EngagementEvent{
		EventID:   "evt-1",
		SessionID: "sess-1",
		Kind:      KindTurn,
		Turn:      3,
		State:     "ENGAGING",
	})
	w.Write(&EngagementEvent{
		EventID:   "evt-2",
		SessionID: "sess-1",
		Kind:      KindFinalized,
		Cause:     "intel_complete",
		Emergency: false,
	})
}
