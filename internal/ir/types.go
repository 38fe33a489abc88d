package ir

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityID identifies the subject whose visit is being correlated.
// It is opaque to the engine; only equality and hashing matter.
type EntityID string

// Kind is the type of an inbound observation.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindEntered
	KindLeft
)

// Kinds lists every observation kind that participates in a visit.
var Kinds = []Kind{KindEntered, KindLeft}

func (k Kind) String() string {
	switch k {
	case KindEntered:
		return "entered"
	case KindLeft:
		return "left"
	default:
		return "unknown"
	}
}

// ParseKind converts a wire name ("entered", "left") into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entered":
		return KindEntered, nil
	case "left":
		return KindLeft, nil
	default:
		return KindUnknown, fmt.Errorf("unknown observation kind %q", s)
	}
}

// ErrMalformed is wrapped by every validation failure of an inbound observation.
var ErrMalformed = errors.New("malformed observation")

// Observation is a single inbound Entered or Left event.
//
// DeliveryID is set by the transport when it has one (message id, request id)
// and is only used for logging and tracing.
type Observation struct {
	EntityID   EntityID
	Kind       Kind
	Timestamp  time.Time
	DeliveryID string
}

// Validate reports whether the observation can be applied to a visit record.
// A zero timestamp is accepted: it is a legal, if unusual, point in time.
func (o Observation) Validate() error {
	if strings.TrimSpace(string(o.EntityID)) == "" {
		return fmt.Errorf("%w: missing entity id", ErrMalformed)
	}
	if o.Kind != KindEntered && o.Kind != KindLeft {
		return fmt.Errorf("%w: unsupported kind %d", ErrMalformed, o.Kind)
	}
	return nil
}

// VisitCompleted is the derived event published once both observations
// of a visit have been seen.
type VisitCompleted struct {
	EntityID EntityID
	Entered  time.Time
	Left     time.Time
	VisitID  string
}

// Duration is the elapsed time between entering and leaving.
// It is negative when the timestamps were reported out of order.
func (v VisitCompleted) Duration() time.Duration {
	return v.Left.Sub(v.Entered)
}

// NewVisitCompleted builds the derived event and stamps its content ID.
func NewVisitCompleted(id EntityID, entered, left time.Time) (VisitCompleted, error) {
	visitID, err := VisitID(id, entered, left)
	if err != nil {
		return VisitCompleted{}, err
	}
	return VisitCompleted{
		EntityID: id,
		Entered:  entered,
		Left:     left,
		VisitID:  visitID,
	}, nil
}
