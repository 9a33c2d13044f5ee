package textutil

import "strings"

// Slug lowercases a display name and reduces it to a hyphen-separated token
// safe to embed in identifiers. Runs of non-alphanumeric characters collapse
// into a single hyphen; leading and trailing hyphens are dropped.
func Slug(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
