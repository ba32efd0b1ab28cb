package security

import (
	"regexp"
	"strings"
)

// attackPatterns flag inputs nobody types by accident: markup injection,
// URL-encoded script smuggling and SQL fragments.
var attackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script.*?>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)onload=`),
	regexp.MustCompile(`(?i)onerror=`),
	regexp.MustCompile(`(?i)%3Cscript`),
	regexp.MustCompile(`(?i)%22%3E%3Cscript`),
	regexp.MustCompile(`(?i)('|").*?(OR|AND).*?('|")\s*=`),
	regexp.MustCompile(`(?i)(INSERT|UPDATE|DELETE|DROP|SELECT)\s+(FROM|INTO|TABLE)`),
}

// Suspicious reports whether the payload matches any attack pattern.
func Suspicious(payload string) bool {
	for _, p := range attackPatterns {
		if p.MatchString(payload) {
			return true
		}
	}
	return false
}

// inputPatterns validate well-known field formats.
var inputPatterns = map[string]*regexp.Regexp{
	"name":         regexp.MustCompile(`^[A-Za-z0-9\s\-_.]{2,50}$`),
	"rank":         regexp.MustCompile(`^(30|[1-2][0-9]|[1-9])k$|^[1-9]d$`),
	"ogs_username": regexp.MustCompile(`^[A-Za-z0-9\-_.]{3,20}$`),
	"date":         regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),
	"time":         regexp.MustCompile(`^\d{2}:\d{2}$`),
	"url":          regexp.MustCompile(`^https?://.+$`),
}

// ValidateInput checks value against the named format. Command handlers call
// it on user-supplied fields (registration names, ranks, event dates) before
// anything reaches the store. Unknown input types fail closed.
func ValidateInput(inputType, value string) bool {
	p, ok := inputPatterns[inputType]
	if !ok {
		return false
	}
	return p.MatchString(value)
}

// Sanitize HTML-escapes a value so handlers can echo user input back into
// HTML-mode messages without it rendering as markup.
func Sanitize(value string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#x27;",
	)
	return r.Replace(value)
}
