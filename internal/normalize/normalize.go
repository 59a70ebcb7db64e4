// Package normalize canonicalizes user-supplied identity fields before
// storage and comparison.
package normalize

import "strings"

// Email returns a normalized form of an email address suitable for storage
// and lookups: surrounding whitespace trimmed, lower-cased.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// DisplayName trims surrounding whitespace and collapses internal runs of
// whitespace to single spaces.
func DisplayName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
