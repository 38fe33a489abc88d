package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
)

// recordJSON is the serialized form of a VisitRecord, used for the Redis
// backend and the delivered-sink column of the SQL backends.
type recordJSON struct {
	EntityID  string   `json:"entity_id"`
	State     uint8    `json:"state"`
	Status    uint8    `json:"status"`
	EnteredAt string   `json:"entered_at"`
	LeftAt    string   `json:"left_at"`
	Delivered []string `json:"delivered"`
	Version   int64    `json:"version"`
	UpdatedAt string   `json:"updated_at"`
}

func marshalRecord(rec saga.VisitRecord) ([]byte, error) {
	delivered := rec.Delivered
	if delivered == nil {
		delivered = []string{}
	}
	data, err := json.Marshal(recordJSON{
		EntityID:  string(rec.EntityID),
		State:     uint8(rec.State),
		Status:    uint8(rec.Status),
		EnteredAt: formatTime(rec.EnteredAt),
		LeftAt:    formatTime(rec.LeftAt),
		Delivered: delivered,
		Version:   rec.Version,
		UpdatedAt: formatTime(rec.UpdatedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

func unmarshalRecord(data []byte) (saga.VisitRecord, error) {
	var r recordJSON
	if err := json.Unmarshal(data, &r); err != nil {
		return saga.VisitRecord{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return decodeRecord(r.EntityID, int64(r.State), int64(r.Status), r.EnteredAt, r.LeftAt, r.Delivered, r.Version, r.UpdatedAt)
}

// marshalDelivered converts the delivered sink names to JSON TEXT.
func marshalDelivered(names []string) (string, error) {
	if len(names) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "", fmt.Errorf("marshal delivered: %w", err)
	}
	return string(data), nil
}

func unmarshalDelivered(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(data), &names); err != nil {
		return nil, fmt.Errorf("unmarshal delivered: %w", err)
	}
	return names, nil
}

func decodeRecord(id string, state, status int64, entered, left string, delivered []string, version int64, updated string) (saga.VisitRecord, error) {
	rec := saga.VisitRecord{
		EntityID:  ir.EntityID(id),
		State:     saga.State(state),
		Status:    saga.Status(status),
		Delivered: delivered,
		Version:   version,
	}
	var err error
	if rec.EnteredAt, err = parseTime(entered); err != nil {
		return saga.VisitRecord{}, fmt.Errorf("entered_at: %w", err)
	}
	if rec.LeftAt, err = parseTime(left); err != nil {
		return saga.VisitRecord{}, fmt.Errorf("left_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return saga.VisitRecord{}, fmt.Errorf("updated_at: %w", err)
	}
	if len(rec.Delivered) == 0 {
		rec.Delivered = nil
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return ir.FormatTime(t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
