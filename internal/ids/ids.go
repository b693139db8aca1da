// Package ids generates ULIDs for local records.
//
// One process-wide monotonic source is shared so that ids issued within the
// same millisecond still sort in issue order. Queue keys depend on this.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID string at the current time.
func New() (string, error) {
	return NewAt(time.Now())
}

// NewAt returns a new ULID string stamped with t.
func NewAt(t time.Time) (string, error) {
	mu.Lock()
	defer mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
