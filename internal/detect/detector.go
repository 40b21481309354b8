// Package detect supplies the suspicion signal that moves a session out of
// INIT. The engagement core treats the signal as external; this package's
// regex detector is the stock implementation.
package detect

import (
	"context"
	"regexp"
)

// Signal is the outcome of one detection run.
type Signal struct {
	Suspicious bool
	Confidence float64
	Category   string
}

// Detector classifies a message (with recent history) as scam traffic.
type Detector interface {
	Detect(ctx context.Context, message string, history []string) (Signal, error)
}

// Pre-compiled scam-signal patterns — compiled once at startup, never during
// a turn.
var scamPatterns = []struct {
	re         *regexp.Regexp
	confidence float64
	category   string
}{
	{regexp.MustCompile(`(?i)\b(your|the)\s+(account|computer|device)\s+(has\s+been|is)\s+(compromised|hacked|suspended|locked)\b`), 0.90, "tech_support"},
	{regexp.MustCompile(`(?i)\b(refund|overpayment|chargeback)\b.*\b(gift\s*cards?|wire|transfer|bitcoin)\b`), 0.90, "refund"},
	{regexp.MustCompile(`(?i)\bgift\s*cards?\b.*\b(buy|purchase|scratch|read|codes?)\b`), 0.85, "gift_card"},
	{regexp.MustCompile(`(?i)\b(irs|social\s+security|warrant|arrest|legal\s+action)\b.*\b(pay|payment|immediately|today)\b`), 0.90, "impersonation"},
	{regexp.MustCompile(`(?i)\b(wire|send|transfer)\b.*\b(western\s+union|moneygram|zelle|immediately|urgent)\b`), 0.80, "payment_pressure"},
	{regexp.MustCompile(`(?i)\b(lottery|prize|inheritance|beneficiary)\b.*\b(claim|fee|processing|taxes)\b`), 0.85, "advance_fee"},
	{regexp.MustCompile(`(?i)\b(verify|confirm)\s+(your\s+)?(identity|account|payment)\b.*\b(link|click|login)\b`), 0.75, "phishing"},
	{regexp.MustCompile(`(?i)\bremote\s+(access|desktop)\b|\b(anydesk|teamviewer|ultraviewer)\b`), 0.85, "remote_access"},
	{regexp.MustCompile(`(?i)\b(act\s+now|final\s+notice|within\s+24\s+hours|account\s+will\s+be\s+(closed|terminated))\b`), 0.65, "urgency"},
	{regexp.MustCompile(`(?i)\b(investment|crypto|trading)\b.*\b(guaranteed|double|returns?|profit)\b`), 0.80, "investment"},
}

// PatternDetector scores messages against the scam-signal table. Stateless
// and safe for concurrent use.
type PatternDetector struct{}

func NewPatternDetector() *PatternDetector {
	return &PatternDetector{}
}

// Detect returns the best-confidence category hit across the message and its
// recent history. History matters: many scams spread the pitch over turns.
func (d *PatternDetector) Detect(ctx context.Context, message string, history []string) (Signal, error) {
	best := Signal{}
	score := func(text string) {
		for _, p := range scamPatterns {
			if ctx.Err() != nil {
				return
			}
			if p.re.MatchString(text) && p.confidence > best.Confidence {
				best = Signal{Suspicious: true, Confidence: p.confidence, Category: p.category}
			}
		}
	}

	score(message)
	for _, h := range history {
		score(h)
	}
	return best, nil
}
