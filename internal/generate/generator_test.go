package generate

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/baitline-ai/baitline/internal/defense"
	"github.com/baitline-ai/baitline/internal/intel"
	"github.com/baitline-ai/baitline/internal/session"
)

func TestTemplateGenerator_SeededDeterminism(t *testing.T) {
	req := Request{
		Posture: session.PostureConfusion,
		Turn:    3,
		Missing: []intel.IndicatorType{intel.TypeBankAccount},
	}

	a, _ := NewTemplateGenerator(rand.New(rand.NewSource(7))).Generate(context.Background(), req)
	b, _ := NewTemplateGenerator(rand.New(rand.NewSource(7))).Generate(context.Background(), req)
	if a != b {
		t.Errorf("same seed produced different replies: %q vs %q", a, b)
	}
}

func TestTemplateGenerator_FishesForMissingType(t *testing.T) {
	g := NewTemplateGenerator(rand.New(rand.NewSource(1)))

	// Every posture bank should produce text, and %s templates should carry
	// the ask for the first missing type.
	for posture := session.PostureConfusion; posture <= session.PostureDefensive; posture++ {
		for i := 0; i < 10; i++ {
			reply, err := g.Generate(context.Background(), Request{
				Posture: posture,
				Missing: []intel.IndicatorType{intel.TypeRoutingCode},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if reply == "" {
				t.Fatalf("empty reply for posture %v", posture)
			}
			if strings.Contains(reply, "%s") {
				t.Fatalf("unfilled template verb in %q", reply)
			}
		}
	}
}

func TestTemplateGenerator_OutputPassesDefensePolicy(t *testing.T) {
	g := NewTemplateGenerator(rand.New(rand.NewSource(42)))
	pol := defense.DefaultOutputPolicy()

	for posture := session.PostureConfusion; posture <= session.PostureDefensive; posture++ {
		for _, missing := range []intel.IndicatorType{
			intel.TypePhone, intel.TypeBankAccount, intel.TypeLink,
		} {
			for i := 0; i < 20; i++ {
				reply, _ := g.Generate(context.Background(), Request{
					Posture: posture,
					Missing: []intel.IndicatorType{missing},
				})
				if _, ok := defense.ValidateOutput(reply, pol); !ok {
					t.Fatalf("template reply fails output validation: %q", reply)
				}
			}
		}
	}
}

func TestFallback_Deterministic(t *testing.T) {
	for turn := 0; turn < 12; turn++ {
		if Fallback(turn) != Fallback(turn) {
			t.Fatalf("fallback for turn %d not stable", turn)
		}
		if Fallback(turn) == "" {
			t.Fatalf("empty fallback at turn %d", turn)
		}
	}
}
