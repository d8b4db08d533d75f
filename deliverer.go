package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trialpath/chatsync/internal/errors"
	"github.com/trialpath/chatsync/internal/models"
)

// apiDeliverer replays queued operations against the messaging REST API.
// It is the network side of the retry scheduler: the websocket is for
// realtime traffic, queued operations always go over HTTP so a drain can
// make progress even while the socket is still reconnecting.
type apiDeliverer struct {
	baseURL   string
	authToken string
	client    *http.Client
	log       *logrus.Entry

	// onSent reports a server-confirmed send so the message store can
	// reconcile the optimistic entry.
	onSent func(correlationKey, serverID string)
}

func newAPIDeliverer(baseURL, authToken string, log *logrus.Entry, onSent func(correlationKey, serverID string)) *apiDeliverer {
	return &apiDeliverer{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log,
		onSent:    onSent,
	}
}

// sendMessageResponse is the API's reply to a message POST.
type sendMessageResponse struct {
	ID string `json:"id"`
}

// Deliver executes one queued operation. Errors are classified so the
// scheduler can tell retryable failures from terminal ones.
func (d *apiDeliverer) Deliver(ctx context.Context, op *models.QueuedOperation) error {
	switch op.Kind {
	case models.OperationSendMessage:
		return d.deliverSendMessage(ctx, op)
	case models.OperationMarkRead:
		return d.deliverMarkRead(ctx, op)
	default:
		return errors.New(errors.ErrDeliveryPermanent, "unknown operation kind "+string(op.Kind))
	}
}

func (d *apiDeliverer) deliverSendMessage(ctx context.Context, op *models.QueuedOperation) error {
	var payload models.SendMessagePayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return errors.Wrap(errors.ErrDeliveryPermanent, "queued payload is malformed", err)
	}

	body, err := d.post(ctx, "/messages", op.Payload)
	if err != nil {
		return err
	}

	var resp sendMessageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		d.log.WithError(err).Warn("send accepted but response was malformed")
	}
	if d.onSent != nil {
		d.onSent(payload.CorrelationKey, resp.ID)
	}
	return nil
}

func (d *apiDeliverer) deliverMarkRead(ctx context.Context, op *models.QueuedOperation) error {
	var payload models.MarkReadPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return errors.Wrap(errors.ErrDeliveryPermanent, "queued payload is malformed", err)
	}

	_, err := d.post(ctx, "/conversations/"+payload.ConversationID+"/read", op.Payload)
	return err
}

// post sends one JSON request and classifies the outcome: connection
// failures and 5xx are transient, 4xx permanent.
func (d *apiDeliverer) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDeliveryPermanent, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDeliveryTransient, "messaging API unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDeliveryTransient, "failed to read API response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.FromHTTPStatus(resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
