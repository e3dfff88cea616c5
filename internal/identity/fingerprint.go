// Package identity computes the canonical fingerprint of a run request.
// Two requests with the same brands, prompts and models, in any order and
// any letter case, share a fingerprint.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"

	"github.com/sells-group/visibility-engine/internal/normalize"
)

// Fingerprint returns the hex SHA-256 fingerprint of the given sets.
func Fingerprint(brands, prompts, models []string) string {
	h := sha256.New()
	writeSet(h, "brands", brands)
	writeSet(h, "prompts", prompts)
	writeSet(h, "models", models)
	return hex.EncodeToString(h.Sum(nil))
}

// writeSet writes a label, the element count, and each sorted canonical key
// with a length prefix so that no two distinct sets encode identically.
func writeSet(h hash.Hash, label string, values []string) {
	keys := normalize.Keys(normalize.Unique(values))
	sort.Strings(keys)

	h.Write([]byte(label))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(len(keys))))
	for _, k := range keys {
		h.Write([]byte{'|'})
		h.Write([]byte(strconv.Itoa(len(k))))
		h.Write([]byte{':'})
		h.Write([]byte(k))
	}
	h.Write([]byte{';'})
}
