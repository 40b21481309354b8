// Package generate produces the persona's outbound text. The core only
// decides when to call a Generator and with what budget; the default
// implementation is a posture-keyed template bank with injected randomness
// so tests can pin the seed.
package generate

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/baitline-ai/baitline/internal/intel"
	"github.com/baitline-ai/baitline/internal/session"
)

// Request carries everything a backend needs for one reply. Prompt already
// contains the structurally isolated counterparty text; implementations must
// never see raw inbound.
type Request struct {
	Prompt  string
	Posture session.Posture
	Turn    int
	// Missing lists core indicator types not yet collected, so the reply can
	// fish for them.
	Missing []intel.IndicatorType
}

// Generator is the external text backend. Always invoked through the
// guarded call wrapper; implementations may block up to the caller's
// timeout.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Template banks per posture. Each template may take one %s verb filled
// with the name of a missing indicator type.
var postureTemplates = map[session.Posture][]string{
	session.PostureConfusion: {
		"Oh my, this is all a bit much for me. Could you explain the %s part again?",
		"I'm sorry, I got lost. What exactly do you need from me first?",
		"My nephew set this phone up for me, I'm not good with it. What was the %s you mentioned?",
	},
	session.PostureTechnicalClarification: {
		"The page keeps saying error when I try. Can you give me the exact %s to type in?",
		"I wrote it down but I think I copied it wrong. Could you spell out the %s again?",
		"Which box does the %s go in? There are three on my screen.",
	},
	session.PostureFrustratedVictim: {
		"I've been at this for an hour. Just tell me plainly the %s and I'll do it right now.",
		"This is so stressful. Give me the %s one more time and promise this fixes it.",
		"I already did everything you said. What %s do you need now?",
	},
	session.PostureAuthorityChallenge: {
		"My bank manager said I should double-check. What's your %s so I can confirm you're real?",
		"Before I send anything else, I need your %s for my records.",
		"My daughter says this sounds odd. Prove it: what's the official %s?",
	},
	session.PostureDefensive: {
		"Sorry, I don't quite follow. What did you need me to do again?",
		"I think we got cut off for a moment. Where were we?",
	},
}

// askFor maps an indicator type to the noun a template fishes with.
var askFor = map[intel.IndicatorType]string{
	intel.TypePhone:            "phone number",
	intel.TypePaymentHandle:    "payment name",
	intel.TypeBankAccount:      "account number",
	intel.TypeEmail:            "email address",
	intel.TypeRoutingCode:      "routing number",
	intel.TypeLink:             "website link",
	intel.TypeCryptoWallet:     "wallet address",
	intel.TypeVerificationCode: "code",
}

// TemplateGenerator picks a template by posture and fills it with the first
// missing indicator ask. Template choice uses the injected rand source.
type TemplateGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewTemplateGenerator creates a generator around the given rand source.
func NewTemplateGenerator(rnd *rand.Rand) *TemplateGenerator {
	return &TemplateGenerator{rnd: rnd}
}

// Generate never fails; it exists so the engagement loop has a reply even
// when no model backend is configured.
func (g *TemplateGenerator) Generate(_ context.Context, req Request) (string, error) {
	bank, ok := postureTemplates[req.Posture]
	if !ok {
		bank = postureTemplates[session.PostureConfusion]
	}

	g.mu.Lock()
	tmpl := bank[g.rnd.Intn(len(bank))]
	g.mu.Unlock()

	ask := "payment"
	if len(req.Missing) > 0 {
		if noun, ok := askFor[req.Missing[0]]; ok {
			ask = noun
		}
	}

	if !containsVerb(tmpl) {
		return tmpl, nil
	}
	return fmt.Sprintf(tmpl, ask), nil
}

func containsVerb(tmpl string) bool {
	for i := 0; i+1 < len(tmpl); i++ {
		if tmpl[i] == '%' && tmpl[i+1] == 's' {
			return true
		}
	}
	return false
}

// Fallback is the deterministic reply used when the generator is unavailable
// (circuit open, timeout, or invalid output). Indexed by turn number like
// the defense deflections, so retries of the same turn are stable.
var fallbacks = []string{
	"Sorry, my internet is acting up again. Could you repeat that?",
	"I think I pressed something wrong, the screen went blank. What were you saying?",
	"Hold on, someone's at the door. Can you send that again?",
	"This phone is so slow today. What was the last thing you needed?",
}

// Fallback returns the safe reply for the given turn number.
func Fallback(turn int) string {
	if turn < 0 {
		turn = -turn
	}
	return fallbacks[turn%len(fallbacks)]
}
