// Package mention detects brand occurrences in model responses.
//
// Detection is case-insensitive substring containment over text folded the
// same way brand identities are (NFC plus Unicode case folding): no
// tokenization, stemming or fuzzy matching. "Acme" is therefore also found
// inside "Acmeville", and "Straße" matches "STRASSE". Callers that need word
// boundaries must post-process.
package mention

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/normalize"
)

// Analyze returns one Mention per brand for the given response text. The
// Position of a match is its byte offset in the original text.
func Analyze(text string, brands []model.Brand) []model.Mention {
	f := fold(text)
	out := make([]model.Mention, 0, len(brands))
	for _, b := range brands {
		pos, count := -1, 0
		if needle := brandKey(b); needle != "" {
			if i := strings.Index(f.text, needle); i >= 0 {
				pos = f.orig[i]
				count = strings.Count(f.text, needle)
			}
		}
		out = append(out, model.Mention{
			BrandID:   b.ID,
			BrandName: b.Name,
			Mentioned: pos >= 0,
			Count:     count,
			Position:  pos,
		})
	}
	return out
}

// ForResponse analyzes a response. Errored responses produce no mentions.
func ForResponse(r model.Response, brands []model.Brand) []model.Mention {
	if r.Failed() {
		return nil
	}
	mentions := Analyze(r.RawText, brands)
	for i := range mentions {
		mentions[i].ResponseID = r.ID
	}
	return mentions
}

func brandKey(b model.Brand) string {
	if b.CanonicalKey != "" {
		return b.CanonicalKey
	}
	return normalize.Key(b.Name)
}

// folded is text folded like normalize.Key. orig[i] is the byte offset in
// the source text of the segment that produced folded byte i.
type folded struct {
	text string
	orig []int
}

// fold works one normalization segment at a time so that every folded byte
// can be traced back to its source.
func fold(text string) folded {
	caser := cases.Fold()
	var b strings.Builder
	b.Grow(len(text))
	orig := make([]int, 0, len(text))
	for i := 0; i < len(text); {
		n := norm.NFC.NextBoundaryInString(text[i:], true)
		if n <= 0 {
			n = len(text) - i
		}
		seg := caser.String(norm.NFC.String(text[i : i+n]))
		b.WriteString(seg)
		for range len(seg) {
			orig = append(orig, i)
		}
		i += n
	}
	return folded{text: b.String(), orig: orig}
}
