package models

// ConnectionPhase represents the lifecycle phase of the realtime transport.
type ConnectionPhase string

const (
	PhaseDisconnected ConnectionPhase = "disconnected"
	PhaseConnecting   ConnectionPhase = "connecting"
	PhaseConnected    ConnectionPhase = "connected"
	PhaseReconnecting ConnectionPhase = "reconnecting"
)

// ConnectionState is the process-wide view of the transport connection.
// It is driven entirely by the transport; the send path consults it to
// decide between direct send and enqueue.
type ConnectionState struct {
	Phase            ConnectionPhase `json:"phase"`
	ReconnectAttempt int             `json:"reconnectAttempt"`
}
