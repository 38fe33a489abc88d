// Package ir provides the wire-level types shared by every RideOn package.
//
// This package contains type definitions, codecs and content IDs only. All
// other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types in hashed or golden output - durations are int64 milliseconds
//   - All JSON tags use snake_case
//   - Timestamps on the wire are UTC RFC 3339 with nanoseconds
package ir
