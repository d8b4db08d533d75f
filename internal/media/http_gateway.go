package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"github.com/trialpath/chatsync/internal/errors"
	"github.com/trialpath/chatsync/internal/metrics"
	"github.com/trialpath/chatsync/internal/models"
)

// maxImageDimension bounds the longer edge of uploaded images. Camera
// originals on modern phones are far larger than any chat rendering
// needs; oversized images are fit-resized and re-encoded before upload.
const maxImageDimension = 1920

// HTTPGateway uploads attachments to the platform content store over
// multipart HTTP.
type HTTPGateway struct {
	endpoint  string
	authToken string
	client    *http.Client
	log       *logrus.Entry
}

// NewHTTPGateway creates a gateway for the given upload endpoint.
func NewHTTPGateway(endpoint, authToken string, log *logrus.Entry) *HTTPGateway {
	return &HTTPGateway{
		endpoint:  endpoint,
		authToken: authToken,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: log,
	}
}

// uploadResponse is the content store's reply.
type uploadResponse struct {
	URL      string  `json:"url"`
	Duration float64 `json:"duration,omitempty"`
}

// Upload publishes one attachment and returns its stable URL and
// metadata. Every failure is classified as an upload error: uploads are
// terminal for the send attempt and are never retried by the queue.
func (g *HTTPGateway) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	metrics.Uploads.Inc()

	result, err := g.upload(ctx, req)
	if err != nil {
		metrics.UploadFailures.Inc()
		g.log.WithFields(logrus.Fields{
			"path": req.LocalPath,
			"kind": req.Kind,
		}).WithError(err).Warn("attachment upload failed")
		return nil, err
	}

	g.log.WithFields(logrus.Fields{
		"url":    result.URL,
		"format": result.Format,
		"bytes":  result.Bytes,
	}).Debug("attachment uploaded")
	return result, nil
}

func (g *HTTPGateway) upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	data, err := os.ReadFile(req.LocalPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "cannot read attachment", err)
	}

	mtype := mimetype.Detect(data)
	if err := validateKind(req.Kind, mtype); err != nil {
		return nil, err
	}

	result := &UploadResult{Format: strings.TrimPrefix(mtype.Extension(), ".")}

	if req.Kind == models.MessageTypeImage {
		data, err = g.normalizeImage(data, result)
		if err != nil {
			return nil, err
		}
	}
	result.Bytes = int64(len(data))

	respBody, err := g.post(ctx, req, data, mtype.String())
	if err != nil {
		return nil, err
	}

	var resp uploadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "content store returned malformed response", err)
	}
	if resp.URL == "" {
		return nil, errors.New(errors.ErrUploadFailed, "content store returned no URL")
	}

	result.URL = resp.URL
	result.Duration = resp.Duration
	return result, nil
}

// normalizeImage records image bounds and downsizes oversized images.
func (g *HTTPGateway) normalizeImage(data []byte, result *UploadResult) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "attachment is not a decodable image", err)
	}

	bounds := img.Bounds()
	result.Width, result.Height = bounds.Dx(), bounds.Dy()

	if result.Width <= maxImageDimension && result.Height <= maxImageDimension {
		return data, nil
	}

	resized := imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "failed to re-encode resized image", err)
	}

	rb := resized.Bounds()
	result.Width, result.Height = rb.Dx(), rb.Dy()
	result.Format = "jpg"
	return buf.Bytes(), nil
}

func (g *HTTPGateway) post(ctx context.Context, req UploadRequest, data []byte, contentType string) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("kind", string(req.Kind)); err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "failed to build upload request", err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(req.LocalPath))
	if err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "failed to build upload request", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "failed to build upload request", err)
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "failed to build upload request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, &body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "failed to build upload request", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("X-Attachment-Type", contentType)
	if g.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "content store unreachable", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(errors.ErrUploadFailed, "failed to read content store response", err)
	}
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		return nil, errors.New(errors.ErrUploadFailed,
			fmt.Sprintf("content store rejected upload with status %d", httpResp.StatusCode))
	}
	return respBody, nil
}

// validateKind checks the declared media kind against the sniffed type.
func validateKind(kind models.MessageType, mtype *mimetype.MIME) error {
	switch kind {
	case models.MessageTypeImage:
		if !strings.HasPrefix(mtype.String(), "image/") {
			return errors.New(errors.ErrUnsupportedMedia,
				fmt.Sprintf("declared image but detected %s", mtype.String()))
		}
	case models.MessageTypeVideo:
		if !strings.HasPrefix(mtype.String(), "video/") {
			return errors.New(errors.ErrUnsupportedMedia,
				fmt.Sprintf("declared video but detected %s", mtype.String()))
		}
	case models.MessageTypeDocument:
		// any format is acceptable as a document
	default:
		return errors.New(errors.ErrUnsupportedMedia, fmt.Sprintf("unknown media kind %q", kind))
	}
	return nil
}
