package wsconn

// State describes the lifecycle of the managed connection.
type State int

const (
	// StateDisconnected means no connection exists and none is being attempted.
	StateDisconnected State = iota

	// StateConnecting means the initial dial is in progress.
	StateConnecting

	// StateConnected means the socket is open and frames flow.
	StateConnected

	// StateReconnecting means the connection dropped and the manager is
	// retrying with backoff.
	StateReconnecting

	// StateClosed is terminal; Close was requested and no reconnection will
	// be attempted.
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameKind distinguishes text from binary WebSocket frames.
type FrameKind int

const (
	// FrameText is a UTF-8 text frame carrying a JSON control message.
	FrameText FrameKind = iota

	// FrameBinary is a binary frame carrying audio payload.
	FrameBinary
)

// Frame is one inbound or outbound WebSocket message.
type Frame struct {
	Kind FrameKind
	Data []byte
}
