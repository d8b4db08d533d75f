// Package chatsync is the embeddable offline-first sync core for the
// TrialPath messaging apps. It accepts sends unconditionally, persists
// what cannot be delivered right now, retries with backoff once
// connectivity returns, and keeps the conversation view consistent
// across the optimistic, queued and confirmed lifecycle of a message.
package chatsync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/trialpath/chatsync/internal/chat"
	"github.com/trialpath/chatsync/internal/config"
	"github.com/trialpath/chatsync/internal/db"
	"github.com/trialpath/chatsync/internal/errors"
	"github.com/trialpath/chatsync/internal/logging"
	"github.com/trialpath/chatsync/internal/media"
	"github.com/trialpath/chatsync/internal/models"
	"github.com/trialpath/chatsync/internal/queue"
	"github.com/trialpath/chatsync/internal/transport"
)

// Config is the sync core configuration.
type Config = config.Config

// LoadConfig reads comma-separated YAML config files with environment
// variable overrides, filling in documented defaults.
func LoadConfig(pathList string) (*Config, error) {
	return config.Load(pathList)
}

// DefaultConfig returns a configuration with documented policy defaults
// and no server endpoints.
func DefaultConfig() *Config {
	return config.Default()
}

// Attachment describes a local file to upload with a message.
type Attachment struct {
	LocalPath string
	Name      string
	Kind      models.MessageType // image, video or document
}

// SendRequest describes one outbound message.
type SendRequest struct {
	ConversationID string
	Sender         string
	Receiver       string
	Content        string
	Attachment     *Attachment
}

// TypingHandler receives typing indicator events.
type TypingHandler func(conversationID, sender string, typing bool)

// PresenceHandler receives peer online/offline events.
type PresenceHandler func(userID string, online bool)

// Option customizes client construction.
type Option func(*Client)

// WithMediaGateway replaces the HTTP upload gateway, used by tests and
// by hosts that already have an upload pipeline.
func WithMediaGateway(g media.Gateway) Option {
	return func(c *Client) { c.media = g }
}

// Client is the sync core facade the mobile hosts embed. One Client owns
// the durable queue, the retry scheduler, the websocket transport and
// the merged conversation view.
type Client struct {
	cfg *config.Config
	log *logrus.Entry

	database  *db.DB
	repo      *db.QueueRepository
	queue     *queue.Store
	scheduler *queue.Scheduler
	transport *transport.Transport
	media     media.Gateway
	messages  *chat.Store

	mu               sync.Mutex
	running          bool
	typingHandlers   []TypingHandler
	presenceHandlers []PresenceHandler
}

// New opens the on-device store, applies schema migrations and wires the
// sync components together. The client does not touch the network until
// Start.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	log := logging.Component("chatsync")

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrQueueStore, "failed to open device store", err)
	}
	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.ErrQueueStore, "failed to initialize schema", err)
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.ErrQueueStore, "failed to migrate schema", err)
	}

	repo := db.NewQueueRepository(database.DB)
	c := &Client{
		cfg:      cfg,
		log:      log,
		database: database,
		repo:     repo,
		queue:    queue.NewStore(repo, logging.Component("queue")),
		messages: chat.NewStore(logging.Component("chat")),
	}

	deliverer := newAPIDeliverer(cfg.Server.APIURL, cfg.Server.AuthToken, logging.Component("deliverer"),
		func(correlationKey, serverID string) {
			if err := c.messages.Confirm(correlationKey, serverID); err != nil {
				log.WithField("correlation_key", correlationKey).Debug("delivered operation had no optimistic entry")
			}
		})

	c.scheduler = queue.NewScheduler(c.queue, deliverer, (*queueListener)(c), queue.SchedulerConfig{
		BaseDelay:     cfg.Retry.BaseDelay.Std(),
		MaxAttempts:   cfg.Retry.MaxAttempts,
		DrainInterval: cfg.Retry.DrainInterval.Std(),
	}, logging.Component("scheduler"))

	c.transport = transport.New(transport.Config{
		URL:                  cfg.Server.SocketURL,
		AuthToken:            cfg.Server.AuthToken,
		BaseDelay:            cfg.Reconnect.BaseDelay.Std(),
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
	}, logging.Component("transport"))
	c.transport.OnFrame(c.handleFrame)
	c.transport.OnPhaseChange(c.handlePhase)

	c.media = media.NewHTTPGateway(cfg.Server.UploadURL, cfg.Server.AuthToken, logging.Component("media"))

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the retry scheduler and begins connecting the realtime
// transport. Queued operations from a previous run start draining
// immediately; realtime delivery follows once the socket is up.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.scheduler.Start(ctx)
	c.transport.Connect()
	c.log.Info("sync core started")
}

// Suspend pauses networking when the host app goes to background. The
// durable queue keeps accepting sends; nothing drains until Resume.
func (c *Client) Suspend() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.transport.Disconnect()
	c.scheduler.Stop()
	c.log.Info("sync core suspended")
}

// Resume restarts networking after a Suspend, on app foregrounding.
func (c *Client) Resume(ctx context.Context) {
	c.Start(ctx)
	c.scheduler.Kick()
}

// Close suspends the client and releases the device store.
func (c *Client) Close() error {
	c.Suspend()
	if err := c.repo.Close(); err != nil {
		c.log.WithError(err).Warn("failed to close prepared statements")
	}
	return c.database.Close()
}

// SendMessage accepts a message for delivery. The attachment, if any, is
// uploaded first; an upload failure is terminal and the message never
// enters the queue. The returned message is the optimistic entry already
// visible in the conversation, in the pending state. Delivery goes over
// the socket when connected and falls back to the durable queue
// otherwise; the call itself never blocks on the network beyond the
// upload.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	if req.ConversationID == "" || req.Sender == "" || req.Receiver == "" {
		return nil, errors.New(errors.ErrInvalid, "conversation, sender and receiver are required")
	}
	if req.Content == "" && req.Attachment == nil {
		return nil, errors.New(errors.ErrInvalid, "message needs content or an attachment")
	}

	msg := &models.Message{
		ConversationID: req.ConversationID,
		SenderID:       req.Sender,
		ReceiverID:     req.Receiver,
		Content:        req.Content,
		Type:           models.MessageTypeText,
	}

	if req.Attachment != nil {
		result, err := c.media.Upload(ctx, media.UploadRequest{
			LocalPath: req.Attachment.LocalPath,
			Kind:      req.Attachment.Kind,
		})
		if err != nil {
			return nil, err
		}
		msg.Type = req.Attachment.Kind
		msg.AttachmentURL = result.URL
		msg.AttachmentName = req.Attachment.Name
		msg.AttachmentType = result.Format
	}

	c.messages.AppendLocal(msg)

	payload := models.SendMessagePayload{
		CorrelationKey: msg.CorrelationKey,
		ConversationID: msg.ConversationID,
		Sender:         msg.SenderID,
		Receiver:       msg.ReceiverID,
		Content:        msg.Content,
		FileURL:        msg.AttachmentURL,
		FileName:       msg.AttachmentName,
		FileType:       msg.AttachmentType,
		MessageType:    string(msg.Type),
	}

	if c.transport.Phase() == models.PhaseConnected {
		frame, err := transport.NewFrame(transport.EventSendMessage, transport.MessageData{
			CorrelationKey: payload.CorrelationKey,
			ConversationID: payload.ConversationID,
			Sender:         payload.Sender,
			Receiver:       payload.Receiver,
			Content:        payload.Content,
			FileURL:        payload.FileURL,
			FileName:       payload.FileName,
			FileType:       payload.FileType,
			MessageType:    payload.MessageType,
			CreatedAt:      msg.CreatedAt,
		})
		if err == nil && c.transport.Send(frame) == nil {
			// the server ack or echo will confirm the entry
			return msg, nil
		}
	}

	if _, err := c.queue.Enqueue(models.OperationSendMessage, payload); err != nil {
		_ = c.messages.MarkFailed(msg.CorrelationKey)
		return msg, err
	}
	c.scheduler.Kick()
	return msg, nil
}

// MarkRead records that the reader has seen a conversation, durably, and
// syncs it to the server like any other queued operation.
func (c *Client) MarkRead(conversationID, reader, upToMessageID string) error {
	if conversationID == "" || reader == "" {
		return errors.New(errors.ErrInvalid, "conversation and reader are required")
	}
	_, err := c.queue.Enqueue(models.OperationMarkRead, models.MarkReadPayload{
		ConversationID: conversationID,
		Reader:         reader,
		UpToMessageID:  upToMessageID,
	})
	if err != nil {
		return err
	}
	c.scheduler.Kick()
	return nil
}

// RetryMessage re-queues a terminally failed message with a fresh retry
// budget, on an explicit user action.
func (c *Client) RetryMessage(correlationKey string) error {
	msg, err := c.messages.Get(correlationKey)
	if err != nil {
		return err
	}
	if msg.Status != models.MessageStatusFailed {
		return errors.New(errors.ErrInvalid, "only failed messages can be retried")
	}

	if err := c.messages.MarkPending(correlationKey); err != nil {
		return err
	}
	_, err = c.queue.Enqueue(models.OperationSendMessage, models.SendMessagePayload{
		CorrelationKey: msg.CorrelationKey,
		ConversationID: msg.ConversationID,
		Sender:         msg.SenderID,
		Receiver:       msg.ReceiverID,
		Content:        msg.Content,
		FileURL:        msg.AttachmentURL,
		FileName:       msg.AttachmentName,
		FileType:       msg.AttachmentType,
		MessageType:    string(msg.Type),
	})
	if err != nil {
		_ = c.messages.MarkFailed(correlationKey)
		return err
	}
	c.scheduler.Kick()
	return nil
}

// Connect retriggers the transport lifecycle, for hosts reacting to OS
// reachability signals after the reconnect ceiling was reached.
func (c *Client) Connect() {
	c.transport.Connect()
}

// ConnectionState returns a snapshot of the transport state.
func (c *Client) ConnectionState() models.ConnectionState {
	return c.transport.State()
}

// Messages returns the ordered view of one conversation.
func (c *Client) Messages(conversationID string) []models.Message {
	return c.messages.Messages(conversationID)
}

// QueueDepth returns the number of operations waiting for delivery.
func (c *Client) QueueDepth() (int, error) {
	return c.queue.Size()
}

// OnConversationChange registers a handler called whenever a
// conversation's message list changes.
func (c *Client) OnConversationChange(fn chat.ChangeHandler) {
	c.messages.OnChange(fn)
}

// OnConnectionChange registers a handler for transport state changes.
func (c *Client) OnConnectionChange(fn transport.PhaseHandler) {
	c.transport.OnPhaseChange(fn)
}

// OnTyping registers a handler for typing indicator events.
func (c *Client) OnTyping(fn TypingHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typingHandlers = append(c.typingHandlers, fn)
}

// OnPresence registers a handler for peer presence events.
func (c *Client) OnPresence(fn PresenceHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceHandlers = append(c.presenceHandlers, fn)
}

// handleFrame routes inbound transport frames into the message store and
// the event subscriptions.
func (c *Client) handleFrame(frame transport.Frame) {
	switch frame.Event {
	case transport.EventMessageReceived:
		var data transport.MessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.log.WithError(err).Warn("dropping malformed message frame")
			return
		}
		msgType := models.MessageType(data.MessageType)
		if msgType == "" {
			msgType = models.MessageTypeText
		}
		c.messages.ApplyInbound(&models.Message{
			ServerID:       data.ID,
			CorrelationKey: data.CorrelationKey,
			ConversationID: data.ConversationID,
			SenderID:       data.Sender,
			ReceiverID:     data.Receiver,
			Content:        data.Content,
			AttachmentURL:  data.FileURL,
			AttachmentName: data.FileName,
			AttachmentType: data.FileType,
			Type:           msgType,
			CreatedAt:      data.CreatedAt,
		})

	case transport.EventMessageAck:
		var data transport.MessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.log.WithError(err).Warn("dropping malformed ack frame")
			return
		}
		if err := c.messages.Confirm(data.CorrelationKey, data.ID); err != nil {
			c.log.WithField("correlation_key", data.CorrelationKey).Debug("ack had no optimistic entry")
		}

	case transport.EventTyping:
		var data transport.TypingData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		c.mu.Lock()
		handlers := append([]TypingHandler(nil), c.typingHandlers...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(data.ConversationID, data.Sender, data.Typing)
		}

	case transport.EventPresence:
		var data transport.PresenceData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		c.mu.Lock()
		handlers := append([]PresenceHandler(nil), c.presenceHandlers...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(data.UserID, data.Online)
		}

	case transport.EventBadRequest:
		var data transport.ErrorData
		_ = json.Unmarshal(frame.Data, &data)
		c.log.WithField("message", data.Message).Warn("server rejected a frame")

	default:
		c.log.WithField("event", frame.Event).Debug("unhandled inbound event")
	}
}

// handlePhase kicks the scheduler when connectivity returns so queued
// operations drain without waiting for the next tick.
func (c *Client) handlePhase(state models.ConnectionState) {
	if state.Phase == models.PhaseConnected {
		c.scheduler.Kick()
	}
}

// queueListener adapts scheduler outcomes to message store updates.
// Successful sends are confirmed by the deliverer, which knows the
// server-assigned ID; this listener handles the terminal failures.
type queueListener Client

func (l *queueListener) OperationDelivered(op *models.QueuedOperation) {}

func (l *queueListener) OperationFailed(op *models.QueuedOperation, err error) {
	c := (*Client)(l)
	if op.Kind != models.OperationSendMessage {
		return
	}
	var payload models.SendMessagePayload
	if jsonErr := json.Unmarshal(op.Payload, &payload); jsonErr != nil {
		c.log.WithError(jsonErr).Error("failed operation payload is unreadable")
		return
	}
	if markErr := c.messages.MarkFailed(payload.CorrelationKey); markErr != nil {
		c.log.WithField("correlation_key", payload.CorrelationKey).Debug("failed operation had no optimistic entry")
	}
}
