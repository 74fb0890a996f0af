package gen

import (
	"sync"

	"github.com/google/uuid"
)

// IDGenerator hands out identifiers for meetings and assets.
type IDGenerator func() string

// UUID generates random (v4) identifiers.
func UUID() IDGenerator {
	return func() string {
		return uuid.NewString()
	}
}

// Sequence returns fixed ids in order, then falls back to UUIDs. Used in tests.
func Sequence(ids ...string) IDGenerator {
	var mu sync.Mutex
	next := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		if next < len(ids) {
			id := ids[next]
			next++
			return id
		}
		return uuid.NewString()
	}
}

func (g IDGenerator) Next() string {
	if g == nil {
		return uuid.NewString()
	}
	return g()
}

// Valid reports whether id is a well-formed UUID.
func Valid(id string) bool {
	return uuid.Validate(id) == nil
}
