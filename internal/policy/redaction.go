// Package policy scrubs caller text before it leaves the process.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	apiKeyPattern = regexp.MustCompile(`\btides_[0-9a-fA-F-]{8,}_[A-Za-z0-9]+\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

type rule struct {
	re   *regexp.Regexp
	mask string
}

// Order matters: credentials before generic digits, cards before phones.
var rules = []rule{
	{apiKeyPattern, "[REDACTED_KEY]"},
	{bearerPattern, "[REDACTED_TOKEN]"},
	{emailPattern, "[REDACTED_EMAIL]"},
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// RedactPII masks credentials and common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.re.ReplaceAllString(out, r.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactHints renders hints as sorted "key=value" lines with values
// scrubbed, ready to embed in a prompt.
func RedactHints(hints map[string]any) string {
	if len(hints) == 0 {
		return ""
	}
	keys := make([]string, 0, len(hints))
	for k := range hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, _ := RedactPII(fmt.Sprint(hints[k]))
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
