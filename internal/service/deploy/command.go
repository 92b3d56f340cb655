package deploy

import (
	"regexp"
	"strings"
)

var bareWord = regexp.MustCompile(`^[A-Za-z0-9_./:@%+=,-]+$`)

// BuildCommand renders a single shell line invoking script under shell with
// the given positional arguments. Arguments are always single-quoted; values
// carrying control characters are rejected since no quoting makes them safe
// to log or echo back.
func BuildCommand(shell, script string, args ...string) (string, error) {
	script = strings.TrimSpace(script)
	if script == "" {
		return "", invalid("script", "is required")
	}
	if hasControl(script) {
		return "", invalid("script", "contains control characters")
	}
	parts := make([]string, 0, len(args)+2)
	if shell = strings.TrimSpace(shell); shell != "" {
		parts = append(parts, shell)
	}
	if bareWord.MatchString(script) {
		parts = append(parts, script)
	} else {
		parts = append(parts, shellQuote(script))
	}
	for _, arg := range args {
		if hasControl(arg) {
			return "", invalid("argument", "contains control characters")
		}
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " "), nil
}

// shellQuote wraps value in single quotes, closing and reopening the quote
// around embedded single quotes.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func hasControl(value string) bool {
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}
