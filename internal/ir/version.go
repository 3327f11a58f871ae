package ir

// Version constants for the audit record format and engine.
const (
	// RecordVersion is the audit record schema version.
	RecordVersion = "1"

	// EngineVersion is the conserve engine version.
	EngineVersion = "0.1.0"
)
