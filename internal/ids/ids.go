// Package ids hands out identifiers for carts, orders, items and jobs.
// Components take a Generator in their constructor instead of reaching
// for a process-wide singleton.
package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

type Generator interface {
	NewID() string
}

// UUID generates random v4 UUIDs.
type UUID struct{}

func (UUID) NewID() string { return uuid.NewString() }

// Sequence generates "<prefix>-1", "<prefix>-2", ... and is safe for
// concurrent use. Handy where tests need predictable ids.
type Sequence struct {
	Prefix string
	n      atomic.Int64
}

func (s *Sequence) NewID() string {
	return fmt.Sprintf("%s-%d", s.Prefix, s.n.Add(1))
}
