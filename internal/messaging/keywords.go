package messaging

import (
	"regexp"
	"strings"
)

var endRegex = regexp.MustCompile(`(?i)^(?:please\s+)?(stop|end|bye|goodbye|quit)[\s.!]*$`)

// IsSessionEnd reports whether a message is only an end-of-conversation
// keyword. "cancel" is not one: it is a scheduling intent.
func IsSessionEnd(body string) bool {
	return endRegex.MatchString(strings.TrimSpace(body))
}
