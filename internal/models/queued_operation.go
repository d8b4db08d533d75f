// Package models provides data model definitions for the chatsync core.
package models

import "encoding/json"

// OperationKind identifies the type of a queued outbound operation.
type OperationKind string

const (
	OperationSendMessage OperationKind = "send_message"
	OperationMarkRead    OperationKind = "mark_read"
)

// QueuedOperation represents a pending outbound operation in the durable
// queue. Exactly one live row exists per ID; it is removed on terminal
// success or when the retry ceiling is reached.
type QueuedOperation struct {
	ID            string          `db:"id" json:"id"`
	Kind          OperationKind   `db:"kind" json:"kind"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Attempt       int             `db:"attempt" json:"attempt"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	Seq           int64           `db:"seq" json:"-"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "queued_operations"
}

// SendMessagePayload is the payload carried by a send_message operation.
// The correlation key travels with the payload so a replayed delivery can
// be reconciled with the optimistic entry it belongs to.
type SendMessagePayload struct {
	CorrelationKey string `json:"correlationKey"`
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	Content        string `json:"content"`
	FileURL        string `json:"fileUrl,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	FileType       string `json:"fileType,omitempty"`
	MessageType    string `json:"messageType"`
}

// MarkReadPayload is the payload carried by a mark_read operation.
type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
	Reader         string `json:"reader"`
	UpToMessageID  string `json:"upToMessageId,omitempty"`
}
