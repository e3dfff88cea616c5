// Package normalize canonicalizes brand names, prompt texts, and model
// identifiers so that case and surrounding whitespace never create distinct
// identities.
package normalize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Entry is a trimmed value paired with its canonical key.
type Entry struct {
	Value string
	Key   string
}

// Key returns the canonical key of s: trimmed, NFC-normalized and
// Unicode case-folded.
func Key(s string) string {
	// Casers keep state between calls, so each call gets its own.
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// Unique trims values, drops empty ones, and removes duplicates by canonical
// key. The first-seen form of each value is kept and input order preserved.
func Unique(values []string) []Entry {
	seen := make(map[string]struct{}, len(values))
	out := make([]Entry, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		k := Key(trimmed)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Entry{Value: trimmed, Key: k})
	}
	return out
}

// Values returns the trimmed values of entries.
func Values(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// Keys returns the canonical keys of entries.
func Keys(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}
