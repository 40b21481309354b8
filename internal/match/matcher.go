// Package match turns counterparty text into typed indicator candidates.
// The default implementation is a pre-compiled regex lexicon; the Matcher
// interface keeps it replaceable without touching the engagement core.
package match

import (
	"regexp"
	"strings"

	"github.com/baitline-ai/baitline/internal/intel"
)

// Matcher extracts indicator candidates from one message plus a small window
// of prior messages used for context labeling.
type Matcher interface {
	Match(message string, contextWindow []string) []intel.Candidate
}

// Provenance deltas: evidence found near a corroborating keyword starts
// higher than a bare pattern hit.
const (
	contextLabeledDelta  = 0.20
	genericFallbackDelta = -0.10
)

// Pre-compiled indicator patterns. contextRe, when set, is matched against
// the message and the context window; a hit upgrades provenance from
// generic-fallback to context-labeled.
var indicatorPatterns = []struct {
	typ       intel.IndicatorType
	re        *regexp.Regexp
	contextRe *regexp.Regexp
}{
	{
		intel.TypePhone,
		regexp.MustCompile(`(\+\d{1,3}[-\s.]?)?\(?\d{3}\)?[-\s.]?\d{3}[-\s.]?\d{4}\b`),
		regexp.MustCompile(`(?i)\b(call|phone|text|whatsapp|telegram|reach|dial|number)\b`),
	},
	{
		intel.TypeBankAccount,
		regexp.MustCompile(`\b\d{8,17}\b`),
		regexp.MustCompile(`(?i)\b(account|acct|checking|savings|deposit|wire|transfer|iban)\b`),
	},
	{
		intel.TypeBankAccount,
		regexp.MustCompile(`\b[A-Z]{2}\d{2}[-\s]?[A-Z0-9]{4}[-\s]?(?:[A-Z0-9]{4}[-\s]?){1,7}[A-Z0-9]{1,4}\b`),
		nil, // IBAN shape is self-describing
	},
	{
		intel.TypeRoutingCode,
		regexp.MustCompile(`\b\d{9}\b`),
		regexp.MustCompile(`(?i)\b(routing|aba|sort\s*code|swift|bic)\b`),
	},
	{
		intel.TypeEmail,
		regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
		regexp.MustCompile(`(?i)\b(email|e-mail|send|contact|write)\b`),
	},
	{
		intel.TypePaymentHandle,
		regexp.MustCompile(`(?i)\$[a-z][a-z0-9_]{2,20}\b`),
		regexp.MustCompile(`(?i)\b(cash\s*app|cashapp|pay|send|venmo|zelle)\b`),
	},
	{
		intel.TypePaymentHandle,
		regexp.MustCompile(`(?i)\b(venmo|zelle|paypal|cashapp)[:\s]+@?[a-z0-9._\-]{3,30}\b`),
		nil,
	},
	{
		intel.TypeLink,
		regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']{4,200}`),
		regexp.MustCompile(`(?i)\b(click|visit|link|login|verify|portal|site)\b`),
	},
	{
		intel.TypeCryptoWallet,
		regexp.MustCompile(`\b(bc1[a-z0-9]{25,62}|[13][a-km-zA-HJ-NP-Z1-9]{25,34}|0x[a-fA-F0-9]{40})\b`),
		regexp.MustCompile(`(?i)\b(bitcoin|btc|eth|wallet|crypto|usdt)\b`),
	},
	{
		intel.TypeVerificationCode,
		regexp.MustCompile(`\b\d{6}\b`),
		regexp.MustCompile(`(?i)\b(code|otp|verification|verify|pin)\b`),
	},
}

// RegexMatcher is the default pattern-driven Matcher.
type RegexMatcher struct{}

// NewRegexMatcher returns the stock lexicon matcher.
func NewRegexMatcher() *RegexMatcher {
	return &RegexMatcher{}
}

// Match scans the message with every pattern. A value is emitted at most once
// per type per call; keyword context in the message or the window upgrades it
// to context-labeled provenance.
func (m *RegexMatcher) Match(message string, contextWindow []string) []intel.Candidate {
	if message == "" {
		return nil
	}
	haystack := message
	if len(contextWindow) > 0 {
		haystack = strings.Join(contextWindow, "\n") + "\n" + message
	}

	var out []intel.Candidate
	seen := make(map[string]bool)

	for _, p := range indicatorPatterns {
		for _, value := range p.re.FindAllString(message, -1) {
			key := p.typ.String() + "\x00" + intel.NormalizeKey(p.typ, value)
			if seen[key] {
				continue
			}
			seen[key] = true

			src := intel.SourceGenericFallback
			delta := genericFallbackDelta
			if p.contextRe == nil || p.contextRe.MatchString(haystack) {
				src = intel.SourceContextLabeled
				delta = contextLabeledDelta
			}
			out = append(out, intel.Candidate{
				Type:            p.typ,
				Value:           strings.TrimSpace(value),
				Source:          src,
				ConfidenceDelta: delta,
			})
		}
	}
	return out
}
