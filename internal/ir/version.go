package ir

// Version constants for the wire schema and engine.
const (
	// WireVersion is the version of the observation and visit JSON shapes.
	WireVersion = "1"

	// EngineVersion is the RideOn engine version.
	EngineVersion = "0.1.0"
)
