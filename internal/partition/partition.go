// Package partition maps entity IDs onto a fixed number of lanes.
//
// Every observation for one entity must be handled by the same lane so that
// the load-mutate-save step of the correlation engine never races with itself.
// The mapping uses 32-bit Murmur3, which is stable across processes and
// platforms, so a restart or a second replica routes an entity identically.
package partition

import (
	"fmt"
	"unsafe"

	"github.com/spaolacci/murmur3"

	"github.com/roach88/rideon/internal/ir"
)

const (
	// DefaultCount is the lane count used when none is configured.
	DefaultCount = 64

	// MaxCount bounds the lane count; each lane owns a goroutine.
	MaxCount = 4096
)

// Partitioner assigns entity IDs to lanes in [0, Count()).
// It is immutable and safe for concurrent use.
type Partitioner struct {
	n uint32
}

// New returns a partitioner with n lanes.
func New(n int) (*Partitioner, error) {
	if n < 1 || n > MaxCount {
		return nil, fmt.Errorf("partition count %d out of range [1, %d]", n, MaxCount)
	}
	return &Partitioner{n: uint32(n)}, nil
}

// MustNew is like New but panics on an invalid count.
func MustNew(n int) *Partitioner {
	p, err := New(n)
	if err != nil {
		panic(err)
	}
	return p
}

// Count returns the number of lanes.
func (p *Partitioner) Count() int {
	return int(p.n)
}

// PartitionOf returns the lane for id. It does not allocate.
func (p *Partitioner) PartitionOf(id ir.EntityID) int {
	return int(Hash(id) % p.n)
}

// Hash is the 32-bit Murmur3 hash (seed 0) of the entity ID bytes.
func Hash(id ir.EntityID) uint32 {
	s := string(id)
	if len(s) == 0 {
		return murmur3.Sum32(nil)
	}
	return murmur3.Sum32(unsafe.Slice(unsafe.StringData(s), len(s)))
}
