// Package media uploads message attachments to the content store before
// the referencing message is queued or sent. A message never enters the
// queue or the wire with a dangling local file path: the upload either
// completes and yields a stable URL, or the whole send attempt fails with
// an upload error, which is a different user-facing failure than a
// delivery error.
package media

import (
	"context"

	"github.com/trialpath/chatsync/internal/models"
)

// UploadRequest describes a local attachment to publish.
type UploadRequest struct {
	LocalPath string
	Kind      models.MessageType // image, video or document
}

// UploadResult is the stable reference to an uploaded attachment plus the
// metadata the message payload carries.
type UploadResult struct {
	URL      string  `json:"url"`
	Format   string  `json:"format"`
	Bytes    int64   `json:"bytes"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Duration float64 `json:"duration,omitempty"` // seconds, video only
}

// Gateway publishes attachments to a content store.
type Gateway interface {
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
}
