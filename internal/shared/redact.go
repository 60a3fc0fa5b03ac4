package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a matcher with the capture group that survives
// redaction (0 means the whole match is replaced).
type secretPattern struct {
	re   *regexp.Regexp
	keep int
}

var secretPatterns = []secretPattern{
	// key=value style assignments with an auth-ish key name.
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), 1},
	// Authorization header values.
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), 1},
	// Google API keys.
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), 0},
	// Anthropic and OpenAI style keys.
	{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`), 0},
	// UUID tokens following an auth-ish key name.
	{regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`), 1},
}

// Redact strips secret-bearing substrings. Provider error bodies and task
// failure messages pass through here before they reach logs, task rows or
// the runtime event sink.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if p.keep > 0 {
				if sub := p.re.FindStringSubmatch(match); len(sub) > p.keep {
					return sub[p.keep] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
	}
	return out
}
