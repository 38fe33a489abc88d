package saga

import (
	"fmt"
	"time"

	"github.com/roach88/rideon/internal/ir"
)

// EffectKind names a side effect requested by a transition.
type EffectKind uint8

const (
	// EffectPersist asks the caller to save the returned record.
	EffectPersist EffectKind = iota + 1
	// EffectEmit asks the caller to publish Visit and then finalize the record.
	EffectEmit
)

func (k EffectKind) String() string {
	switch k {
	case EffectPersist:
		return "persist"
	case EffectEmit:
		return "emit"
	default:
		return "unknown"
	}
}

// Effect is a side effect described as data. Apply never performs I/O.
type Effect struct {
	Kind  EffectKind
	Visit ir.VisitCompleted
}

// Apply is the visit state machine transition function.
//
// current is nil when no record exists for the entity. The returned record is
// always a fresh value; current is never mutated. Effects are returned in
// the order the caller must perform them.
//
// While tracking, each observation sets its status bit and overwrites its
// timestamp (last write wins). When every required bit is set the record moves
// to StateCompleted and an EffectEmit is issued. A record that is already
// completed is pending finalization; its timestamps are frozen and the emit
// effect is issued again.
func Apply(current *VisitRecord, obs ir.Observation, now time.Time) (VisitRecord, []Effect, error) {
	if err := obs.Validate(); err != nil {
		return VisitRecord{}, nil, err
	}

	var next VisitRecord
	if current == nil {
		next = VisitRecord{EntityID: obs.EntityID, State: StateInitial}
	} else {
		if current.EntityID != obs.EntityID {
			return VisitRecord{}, nil, fmt.Errorf("apply %s observation for %q to record of %q",
				obs.Kind, obs.EntityID, current.EntityID)
		}
		next = current.Clone()
	}

	if next.State == StateCompleted {
		visit, err := next.Visit()
		if err != nil {
			return VisitRecord{}, nil, err
		}
		return next, []Effect{{Kind: EffectEmit, Visit: visit}}, nil
	}

	switch obs.Kind {
	case ir.KindEntered:
		next.EnteredAt = obs.Timestamp
	case ir.KindLeft:
		next.LeftAt = obs.Timestamp
	}
	next.Status |= TagFor(obs.Kind)
	next.Version++
	next.UpdatedAt = now

	if !next.Status.Complete() {
		next.State = StateTracking
		return next, []Effect{{Kind: EffectPersist}}, nil
	}

	next.State = StateCompleted
	visit, err := next.Visit()
	if err != nil {
		return VisitRecord{}, nil, err
	}
	return next, []Effect{{Kind: EffectPersist}, {Kind: EffectEmit, Visit: visit}}, nil
}

// HasEffect reports whether effects contains one of kind k.
func HasEffect(effects []Effect, k EffectKind) (Effect, bool) {
	for _, e := range effects {
		if e.Kind == k {
			return e, true
		}
	}
	return Effect{}, false
}
