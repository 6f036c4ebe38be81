package outbox

import (
	"regexp"
	"strings"
)

// MaxLastErrorLength matches the width of the last_error column.
const MaxLastErrorLength = 512

const truncatedSuffix = "...(truncated)"

const redacted = "[REDACTED]"

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redacted + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	{regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[-_]?key)\s*[:=]\s*([^\s,;&]+)`), `$1=` + redacted},
}

// SanitizeError strips credentials from err and bounds it for storage.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeMessage(err.Error())
}

func SanitizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)

	for _, p := range secretPatterns {
		msg = p.re.ReplaceAllString(msg, p.repl)
	}

	runes := []rune(msg)
	if len(runes) <= MaxLastErrorLength {
		return msg
	}

	return string(runes[:MaxLastErrorLength-len(truncatedSuffix)]) + truncatedSuffix
}
