package simulate

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces patron and delivery identifiers.
// Implemented by UUIDv7 (production) and Sequence (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7 generates time-ordered UUIDs.
//
// UUIDv7 embeds a millisecond timestamp, so ids sort by creation time and
// records created by one run cluster together in ordered stores.
type UUIDv7 struct{}

// Generate returns a new UUIDv7 string.
// Falls back to a random UUIDv4 if the v7 generator fails.
func (UUIDv7) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Sequence generates prefix-0001, prefix-0002, ... and is safe for
// concurrent use.
type Sequence struct {
	prefix string
	n      atomic.Int64
}

// NewSequence creates a sequence generator. An empty prefix means "id".
func NewSequence(prefix string) *Sequence {
	if prefix == "" {
		prefix = "id"
	}
	return &Sequence{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (s *Sequence) Generate() string {
	return fmt.Sprintf("%s-%04d", s.prefix, s.n.Add(1))
}
