package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainVisit = "rideon/visit/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VisitID computes the content-addressed ID of a completed visit.
// The same entity and timestamps always produce the same ID, so downstream
// consumers can use it to drop duplicates of a re-emitted visit.
//
// Timestamps are hashed as UTC RFC 3339 with nanoseconds; the location of
// the input times does not affect the ID.
func VisitID(id EntityID, entered, left time.Time) (string, error) {
	obj := map[string]any{
		"entity_id": string(id),
		"entered":   FormatTime(entered),
		"left":      FormatTime(left),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("VisitID: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainVisit, canonical), nil
}

// MustVisitID is like VisitID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustVisitID(id EntityID, entered, left time.Time) string {
	visitID, err := VisitID(id, entered, left)
	if err != nil {
		panic(err)
	}
	return visitID
}

// FormatTime renders a timestamp the way every wire format and hash in
// this module expects it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
