package relay

// State is one position in the connection lifecycle:
// Disconnected -> Connecting -> AwaitingSessionKey -> Streaming -> Closing
// -> Disconnected, with Error reachable from any non-terminal state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingSessionKey
	StateStreaming
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSessionKey:
		return "awaiting_session_key"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// FailureReason classifies a connection failure for the retry policy.
type FailureReason string

const (
	// ReasonTransportFailure: the transport-level connect or login send
	// failed. Retryable with backoff.
	ReasonTransportFailure FailureReason = "transport_failure"

	// ReasonHandshakeFailure: the session-key bootstrap failed. A mismatch
	// here is a configuration problem (wrong key material, wrong identifier
	// derivation) that retrying with the same keys can never fix.
	ReasonHandshakeFailure FailureReason = "handshake_failure"

	// ReasonConnectionLost: the transport dropped while streaming.
	// Retryable with backoff.
	ReasonConnectionLost FailureReason = "connection_lost"
)

// Failure is surfaced to the caller for every failed attempt. Permanent
// means the client has stopped retrying: either the failure is
// non-retryable or the attempt ceiling was reached.
type Failure struct {
	Reason    FailureReason
	Err       error
	Attempts  int
	Permanent bool
}
