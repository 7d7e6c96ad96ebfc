package analysis

import (
	"regexp"
	"strings"
)

// directedMentionRe matches @word at the start of text or after
// whitespace. Email-like word@word never matches because the @ must not be
// preceded by a non-space character.
var directedMentionRe = regexp.MustCompile(`(?:^|\s)@[a-zA-Z][\w-]*`)

// IsPersonaMentioned reports whether a specific persona is addressed in the
// text, either via an @mention anywhere (`@DisplayName`, `@unique-id`) or
// via a direct address at the start (`Name,` / `Name:`). All comparisons
// are case-insensitive.
func IsPersonaMentioned(text, displayName, uniqueID string) bool {
	msg := strings.ToLower(text)
	name := strings.ToLower(displayName)
	uid := strings.ToLower(uniqueID)

	if name != "" && strings.Contains(msg, "@"+name) {
		return true
	}
	if uid != "" && strings.Contains(msg, "@"+uid) {
		return true
	}

	if name != "" && (strings.HasPrefix(msg, name+",") || strings.HasPrefix(msg, name+":")) {
		return true
	}
	if uid != "" && (strings.HasPrefix(msg, uid+",") || strings.HasPrefix(msg, uid+":")) {
		return true
	}
	return false
}

// HasDirectedMention reports whether the text contains any @word mention —
// a signal that the message is aimed at one specific persona, so the
// others should stay silent.
func HasDirectedMention(text string) bool {
	return directedMentionRe.MatchString(text)
}
