package e2e

import (
	"regexp"
	"strings"
	"sync"
)

// Normalizer replaces dynamic values with stable placeholders for
// golden comparison. Registered ids keep referential integrity: every
// occurrence of one id maps to the same placeholder, and anything left
// over falls back to generic scrubbing.
type Normalizer struct {
	mu  sync.Mutex
	ids map[string]string // original -> {PLACEHOLDER}
}

var (
	uuidRe      = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})`)
)

func NewNormalizer() *Normalizer {
	return &Normalizer{ids: make(map[string]string)}
}

// Register maps an id to a named placeholder, e.g. ("JOB_ID",
// job.String()). Registration order does not matter: ids are UUIDs and
// never substrings of each other.
func (n *Normalizer) Register(placeholder, id string) *Normalizer {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids[id] = "{" + placeholder + "}"
	return n
}

// Normalize replaces dynamic values in data with stable placeholders.
func (n *Normalizer) Normalize(data string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, placeholder := range n.ids {
		data = strings.ReplaceAll(data, id, placeholder)
	}
	data = uuidRe.ReplaceAllString(data, "{UUID}")
	data = timestampRe.ReplaceAllString(data, "{TIMESTAMP}")
	return data
}

// NormalizeBytes is a convenience wrapper for Normalize on byte slices.
func (n *Normalizer) NormalizeBytes(data []byte) []byte {
	return []byte(n.Normalize(string(data)))
}
