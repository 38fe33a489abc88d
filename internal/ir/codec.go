package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// observationWire is the JSON shape of an inbound observation.
// Kind may be omitted when the transport already knows it (subject, route).
type observationWire struct {
	EntityID   string `json:"entity_id"`
	Kind       string `json:"kind,omitempty"`
	Timestamp  string `json:"timestamp"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// DecodeObservation parses a JSON observation. When the payload carries no
// kind, fallback is used. Structural problems are reported as ErrMalformed.
func DecodeObservation(data []byte, fallback Kind) (Observation, error) {
	var w observationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind := fallback
	if w.Kind != "" {
		k, err := ParseKind(w.Kind)
		if err != nil {
			return Observation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		kind = k
	}

	if w.Timestamp == "" {
		return Observation{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}

	obs := Observation{
		EntityID:   EntityID(w.EntityID),
		Kind:       kind,
		Timestamp:  ts,
		DeliveryID: w.DeliveryID,
	}
	if err := obs.Validate(); err != nil {
		return Observation{}, err
	}
	return obs, nil
}

// EncodeObservation renders an observation as JSON.
func EncodeObservation(o Observation) ([]byte, error) {
	return json.Marshal(observationWire{
		EntityID:   string(o.EntityID),
		Kind:       o.Kind.String(),
		Timestamp:  FormatTime(o.Timestamp),
		DeliveryID: o.DeliveryID,
	})
}

// VisitWire is the JSON shape of a VisitCompleted event on every sink.
type VisitWire struct {
	EntityID   string `json:"entity_id"`
	Entered    string `json:"entered"`
	Left       string `json:"left"`
	VisitID    string `json:"visit_id"`
	DurationMS int64  `json:"duration_ms"`
}

// Wire converts the visit to its JSON shape.
func (v VisitCompleted) Wire() VisitWire {
	return VisitWire{
		EntityID:   string(v.EntityID),
		Entered:    FormatTime(v.Entered),
		Left:       FormatTime(v.Left),
		VisitID:    v.VisitID,
		DurationMS: v.Duration().Milliseconds(),
	}
}

// EncodeVisit renders a completed visit as JSON.
func EncodeVisit(v VisitCompleted) ([]byte, error) {
	return json.Marshal(v.Wire())
}

// DecodeVisit parses a completed visit produced by EncodeVisit.
func DecodeVisit(data []byte) (VisitCompleted, error) {
	var w VisitWire
	if err := json.Unmarshal(data, &w); err != nil {
		return VisitCompleted{}, fmt.Errorf("decode visit: %w", err)
	}
	entered, err := time.Parse(time.RFC3339Nano, w.Entered)
	if err != nil {
		return VisitCompleted{}, fmt.Errorf("decode visit entered: %w", err)
	}
	left, err := time.Parse(time.RFC3339Nano, w.Left)
	if err != nil {
		return VisitCompleted{}, fmt.Errorf("decode visit left: %w", err)
	}
	return VisitCompleted{
		EntityID: EntityID(w.EntityID),
		Entered:  entered,
		Left:     left,
		VisitID:  w.VisitID,
	}, nil
}
