package models

// MessageStatus represents the delivery state of a message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

// MessageType identifies what a message body carries.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
)

// Message is one entry in a conversation. A locally originated message is
// created with a client-generated ID and correlation key; the server ID is
// attached when delivery is confirmed. Inbound messages from the transport
// arrive with a server ID only.
type Message struct {
	ID             string        `json:"id"`
	ServerID       string        `json:"serverId,omitempty"`
	CorrelationKey string        `json:"correlationKey,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	Content        string        `json:"content"`
	AttachmentURL  string        `json:"attachmentUrl,omitempty"`
	AttachmentName string        `json:"attachmentName,omitempty"`
	AttachmentType string        `json:"attachmentType,omitempty"`
	Type           MessageType   `json:"type"`
	Status         MessageStatus `json:"status"`
	CreatedAt      int64         `json:"createdAt"` // unix milliseconds
	Seq            int64         `json:"-"`         // insertion order tie-break
}
