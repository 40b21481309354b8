package defense

import (
	"regexp"
	"strings"
)

// Tokens a generated reply must never contain: naming the underlying
// technology or its own nature breaks the persona and is treated as a
// policy violation, not a style problem.
var selfDisclosurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(as\s+an?\s+)?(ai|artificial\s+intelligence)\b`),
	regexp.MustCompile(`(?i)\blanguage\s+model\b`),
	regexp.MustCompile(`(?i)\b(llm|gpt-?\d|chatgpt|claude|gemini|llama)\b`),
	regexp.MustCompile(`(?i)\b(openai|anthropic|google\s+deepmind)\b`),
	regexp.MustCompile(`(?i)\bsystem\s+prompt\b`),
	regexp.MustCompile(`(?i)\b(i\s+am|i'm)\s+(a\s+)?(bot|chatbot|assistant|program)\b`),
	regexp.MustCompile(`(?i)\bmy\s+(instructions|guidelines|programming)\b`),
}

// OutputPolicy bounds what a generated reply may look like.
type OutputPolicy struct {
	MaxLength int // runes; 0 means no limit
	// RequirePlain rejects replies that still carry prompt scaffolding
	// (isolation markers or the sanitization placeholder).
	RequirePlain bool
}

// DefaultOutputPolicy returns the stock reply bounds.
func DefaultOutputPolicy() OutputPolicy {
	return OutputPolicy{MaxLength: 600, RequirePlain: true}
}

// ValidateOutput checks a generated reply against the policy. It returns the
// reply unchanged when clean, or ("", false) when the caller must substitute
// its fallback.
func ValidateOutput(reply string, pol OutputPolicy) (string, bool) {
	if strings.TrimSpace(reply) == "" {
		return "", false
	}
	if pol.MaxLength > 0 && len([]rune(reply)) > pol.MaxLength {
		return "", false
	}
	if pol.RequirePlain {
		if strings.Contains(reply, untrustedOpen) || strings.Contains(reply, untrustedClose) {
			return "", false
		}
		if strings.Contains(reply, Placeholder) {
			return "", false
		}
	}
	for _, re := range selfDisclosurePatterns {
		if re.MatchString(reply) {
			return "", false
		}
	}
	return reply, true
}
