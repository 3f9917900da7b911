package bridge

// ConnectivityState is the current mode of the panel link. Streaming and
// polling are mutually exclusive: activating one deactivates the other.
type ConnectivityState int

const (
	StateDisconnected ConnectivityState = iota
	StateConnecting
	StateStreaming
	StatePolling
)

func (s ConnectivityState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StatePolling:
		return "polling"
	default:
		return "disconnected"
	}
}
