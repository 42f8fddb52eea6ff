// Package ids generates record identifiers.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return At(time.Now())
}

// At returns an identifier whose timestamp component is t.
func At(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// OrNew returns id when set, otherwise a fresh identifier. Callers pass their
// own id to make creates idempotent across retries.
func OrNew(id string) string {
	if id != "" {
		return id
	}
	return New()
}
