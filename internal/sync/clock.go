package sync

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies timestamps and unique identifiers. Tests substitute a
// fixed implementation so timing-sensitive paths are deterministic.
type Clock interface {
	Now() time.Time
	NewID() string
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
func (systemClock) NewID() string  { return uuid.New().String() }

// SystemClock returns the wall-clock, UUID-backed provider.
func SystemClock() Clock { return systemClock{} }
