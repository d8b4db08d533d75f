// Package transport owns the single duplex websocket connection to the
// messaging server: connect/reconnect lifecycle, frame encoding and
// decoding, and routing of inbound events to subscribers.
package transport

import "encoding/json"

// Frame is the wire envelope. Every frame in both directions is a JSON
// object carrying an event name and an event-specific data object.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Recognized event names.
const (
	EventSendMessage     = "send_message"
	EventMessageReceived = "message_received"
	EventMessageAck      = "message_ack"
	EventTyping          = "typing"
	EventPresence        = "presence"
	EventBadRequest      = "bad-request"
)

// MessageData is the payload of send_message, message_received and
// message_ack frames. The correlation key travels in both directions so
// the message store can reconcile optimistic entries and suppress echoes
// of the user's own sends.
type MessageData struct {
	ID             string `json:"id,omitempty"`
	CorrelationKey string `json:"correlationKey,omitempty"`
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	Content        string `json:"content"`
	FileURL        string `json:"fileUrl,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	FileType       string `json:"fileType,omitempty"`
	MessageType    string `json:"messageType"`
	CreatedAt      int64  `json:"createdAt,omitempty"` // unix milliseconds
}

// TypingData is the payload of typing frames.
type TypingData struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Typing         bool   `json:"typing"`
}

// PresenceData is the payload of presence frames.
type PresenceData struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// ErrorData is the payload of bad-request frames: a human-readable
// message from the server.
type ErrorData struct {
	Message string `json:"message"`
}

// NewFrame builds a frame from an event name and payload.
func NewFrame(event string, data interface{}) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}
