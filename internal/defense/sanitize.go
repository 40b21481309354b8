// Package defense is the layered guard around every generative call:
// inbound sanitization, structural prompt isolation, output validation, and
// a deterministic deflection when an injection attempt is caught.
package defense

import (
	"regexp"
)

// Placeholder replaces each matched attack phrase in sanitized text.
const Placeholder = "[redacted]"

// Pre-compiled instruction-override phrasings. Only sanitized text may ever
// reach a generation prompt.
var injectionPatterns = []struct {
	re       *regexp.Regexp
	category string
}{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|guidelines|context)`), "instruction_override"},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|guidelines)`), "instruction_override"},
	{regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions|context|rules)`), "instruction_override"},
	{regexp.MustCompile(`(?i)do\s+not\s+follow\s+(your|the|any)\s+(rules|guidelines|instructions)`), "instruction_override"},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\b`), "role_override"},
	{regexp.MustCompile(`(?i)from\s+now\s+on\s+you\s+(are|will|must|should)`), "role_override"},
	{regexp.MustCompile(`(?i)your\s+new\s+(role|identity|persona|instructions)\s+(is|are)`), "role_override"},
	{regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)\s+`), "role_override"},
	{regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system|initial|original|hidden)\s+(prompt|instructions|message)`), "prompt_extraction"},
	{regexp.MustCompile(`(?i)what\s+(are|is|were)\s+your\s+(system|initial|original|hidden)\s+(prompt|instructions|rules)`), "prompt_extraction"},
	{regexp.MustCompile(`(?i)(output|print|repeat)\s+(your|the)\s+(system|initial|original)\s+(prompt|instructions|message)`), "prompt_extraction"},
	{regexp.MustCompile(`(?i)\[SYSTEM\]`), "delimiter_injection"},
	{regexp.MustCompile(`(?i)<\|im_start\|>\s*system`), "delimiter_injection"},
	{regexp.MustCompile(`(?i)###\s*(SYSTEM|INSTRUCTION|NEW INSTRUCTION)`), "delimiter_injection"},
	{regexp.MustCompile(`(?i)are\s+you\s+(an?\s+)?(ai|bot|chatbot|language\s+model|llm)\b`), "probe"},
	{regexp.MustCompile(`(?i)bypass\s+(the\s+)?(safety|security|content)\s+(filter|check|policy|rules)`), "instruction_override"},
}

// SanitizationResult is ephemeral, per-message. Detection feeds the
// session's suspicion score; the result itself is never persisted.
type SanitizationResult struct {
	Sanitized  string
	Modified   bool
	Categories []string
}

// Sanitize replaces every attack-phrasing match with the neutral placeholder
// and records which categories fired.
func Sanitize(text string) SanitizationResult {
	res := SanitizationResult{Sanitized: text}
	seen := make(map[string]bool)

	for _, p := range injectionPatterns {
		if !p.re.MatchString(res.Sanitized) {
			continue
		}
		res.Sanitized = p.re.ReplaceAllString(res.Sanitized, Placeholder)
		res.Modified = true
		if !seen[p.category] {
			seen[p.category] = true
			res.Categories = append(res.Categories, p.category)
		}
	}
	return res
}
