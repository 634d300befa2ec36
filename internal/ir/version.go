package ir

// Version constants for the wire protocol and engine.
const (
	// ProtocolVersion is carried in every wire message envelope.
	ProtocolVersion = 1

	// EngineVersion is the rewind engine version.
	EngineVersion = "0.1.0"
)
