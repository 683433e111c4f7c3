// Package ids generates sortable identifiers for audit entries and
// other locally minted records.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a ULID that sorts after every ID previously returned by this process.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID stamped with t. Monotonic within the same millisecond.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Interaction returns a fresh x-fapi-interaction-id value.
func Interaction() string {
	return uuid.NewString()
}
