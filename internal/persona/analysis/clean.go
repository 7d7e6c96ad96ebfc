package analysis

import (
	"regexp"
	"strings"
)

// LLMs copy formatting from conversation history, prefixing responses with
// timestamps, speaker names, or markdown role markers. The four patterns
// are applied in a fixed order; each strips at most one prefix.
var (
	patternTimestampName = regexp.MustCompile(`^\[\d{1,2}:\d{2}\]\s+[^:]+:\s*`)
	patternNameOnly      = regexp.MustCompile(`^[A-Z][A-Za-z\s]+:\s*`)
	patternTimestampOnly = regexp.MustCompile(`^\[\d{1,2}:\d{2}\]\s*`)
	patternMarkdownRole  = regexp.MustCompile(`^\*{1,2}[A-Za-z\s]+:\*{1,2}\s*`)
)

// CleanResponse strips leading timestamp/name/markdown-role prefixes from
// an AI response.
func CleanResponse(response string) string {
	cleaned := strings.TrimSpace(response)

	for _, re := range []*regexp.Regexp{
		patternTimestampName,
		patternNameOnly,
		patternTimestampOnly,
		patternMarkdownRole,
	} {
		if m := re.FindStringIndex(cleaned); m != nil {
			cleaned = cleaned[m[1]:]
		}
	}

	return strings.TrimSpace(cleaned)
}
