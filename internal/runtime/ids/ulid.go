package ids

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// Sequence hands out correlation ids. The zero value is ready to use and the
// first id is 1, so 0 never identifies a live call.
type Sequence struct {
	last atomic.Uint64
}

// Next returns the next id. Safe for concurrent use.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued id, or 0 if none was issued.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}
