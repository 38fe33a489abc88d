package saga

import (
	"slices"
	"strings"
	"time"

	"github.com/roach88/rideon/internal/ir"
)

// State is the lifecycle position of a visit record.
type State uint8

const (
	StateInitial State = iota
	StateTracking
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateTracking:
		return "tracking"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Status is the composite bitmask of observations seen for a visit.
// Each bit is independent of arrival order.
type Status uint8

const (
	EnteredObserved Status = 1 << iota
	LeftObserved
)

// Required is the set of bits that completes a visit.
const Required = EnteredObserved | LeftObserved

// TagFor returns the status bit set by an observation of kind k.
func TagFor(k ir.Kind) Status {
	switch k {
	case ir.KindEntered:
		return EnteredObserved
	case ir.KindLeft:
		return LeftObserved
	default:
		return 0
	}
}

// Has reports whether every bit of tag is set.
func (s Status) Has(tag Status) bool {
	return tag != 0 && s&tag == tag
}

// Complete reports whether all required observations were seen.
func (s Status) Complete() bool {
	return s.Has(Required)
}

func (s Status) String() string {
	var parts []string
	if s.Has(EnteredObserved) {
		parts = append(parts, "entered")
	}
	if s.Has(LeftObserved) {
		parts = append(parts, "left")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// VisitRecord is the persisted correlation state of one entity.
//
// EnteredAt and LeftAt are only meaningful when the matching Status bit is
// set. Delivered names the sinks that already accepted the completed visit;
// it is empty until the record reaches StateCompleted. Version is the
// optimistic concurrency version: a fresh record carries 1 and every save
// increments it.
type VisitRecord struct {
	EntityID  ir.EntityID
	State     State
	Status    Status
	EnteredAt time.Time
	LeftAt    time.Time
	Delivered []string
	Version   int64
	UpdatedAt time.Time
}

// Visit builds the derived event for a completed record.
func (r VisitRecord) Visit() (ir.VisitCompleted, error) {
	return ir.NewVisitCompleted(r.EntityID, r.EnteredAt, r.LeftAt)
}

// PendingCompletion reports whether the record is complete but has not been
// finalized, which happens when emission or removal failed.
func (r VisitRecord) PendingCompletion() bool {
	return r.Status.Complete()
}

// Clone returns a copy that shares no memory with r.
func (r VisitRecord) Clone() VisitRecord {
	r.Delivered = slices.Clone(r.Delivered)
	return r
}
