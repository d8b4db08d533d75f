// Package chat holds the in-memory conversation view the UI renders:
// optimistic local messages merged with server-confirmed and inbound
// ones. The correlation key is the merge identity for locally
// originated messages; server IDs deduplicate inbound ones.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trialpath/chatsync/internal/errors"
	"github.com/trialpath/chatsync/internal/models"
	"github.com/trialpath/chatsync/internal/uuid"
)

// ChangeHandler is notified after a conversation's message list changed.
type ChangeHandler func(conversationID string)

// Store merges three message sources into one ordered per-conversation
// view: optimistic local appends, delivery confirmations from the retry
// queue, and inbound transport frames. Messages are ordered by their
// creation timestamp; same-timestamp messages keep insertion order.
type Store struct {
	log *logrus.Entry

	mu            sync.RWMutex
	conversations map[string][]*models.Message
	byCorrelation map[string]*models.Message
	serverIDs     map[string]struct{}
	nextSeq       int64

	handlers []ChangeHandler
}

// NewStore creates an empty message store.
func NewStore(log *logrus.Entry) *Store {
	return &Store{
		log:           log,
		conversations: make(map[string][]*models.Message),
		byCorrelation: make(map[string]*models.Message),
		serverIDs:     make(map[string]struct{}),
	}
}

// OnChange registers a handler called after any mutation, with the
// affected conversation ID. Handlers run outside the store lock.
func (s *Store) OnChange(fn ChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// AppendLocal inserts an optimistic local message. Missing identity
// fields are filled in: client ID, correlation key, creation timestamp.
// The message starts out pending and is returned with all fields set.
func (s *Store) AppendLocal(msg *models.Message) *models.Message {
	if msg.ID == "" {
		msg.ID = uuid.New()
	}
	if msg.CorrelationKey == "" {
		msg.CorrelationKey = uuid.NewCorrelationKey()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	msg.Status = models.MessageStatusPending

	s.mu.Lock()
	s.insertLocked(msg)
	s.byCorrelation[msg.CorrelationKey] = msg
	s.mu.Unlock()

	s.notify(msg.ConversationID)
	return msg
}

// Confirm marks the optimistic message identified by the correlation key
// as sent and attaches the server-assigned ID.
func (s *Store) Confirm(correlationKey, serverID string) error {
	s.mu.Lock()
	msg, ok := s.byCorrelation[correlationKey]
	if !ok {
		s.mu.Unlock()
		return errors.New(errors.ErrNotFound, "no message for correlation key "+correlationKey)
	}
	msg.ServerID = serverID
	msg.Status = models.MessageStatusSent
	if serverID != "" {
		s.serverIDs[serverID] = struct{}{}
	}
	conv := msg.ConversationID
	s.mu.Unlock()

	s.notify(conv)
	return nil
}

// MarkFailed marks the optimistic message identified by the correlation
// key as terminally failed. The entry stays visible so the user can
// trigger a manual retry.
func (s *Store) MarkFailed(correlationKey string) error {
	return s.setStatus(correlationKey, models.MessageStatusFailed)
}

// MarkPending returns a failed message to the pending state when the
// user retries it.
func (s *Store) MarkPending(correlationKey string) error {
	return s.setStatus(correlationKey, models.MessageStatusPending)
}

func (s *Store) setStatus(correlationKey string, status models.MessageStatus) error {
	s.mu.Lock()
	msg, ok := s.byCorrelation[correlationKey]
	if !ok {
		s.mu.Unlock()
		return errors.New(errors.ErrNotFound, "no message for correlation key "+correlationKey)
	}
	msg.Status = status
	conv := msg.ConversationID
	s.mu.Unlock()

	s.notify(conv)
	return nil
}

// ApplyInbound merges a message received from the transport. An inbound
// message carrying a known correlation key is an echo of the user's own
// send: the existing entry is upgraded in place, never duplicated. A
// known server ID is a redelivery and is dropped. Everything else is
// inserted in timestamp order with the delivered status.
func (s *Store) ApplyInbound(msg *models.Message) {
	s.mu.Lock()

	if msg.CorrelationKey != "" {
		if local, ok := s.byCorrelation[msg.CorrelationKey]; ok {
			if msg.ServerID != "" {
				local.ServerID = msg.ServerID
				s.serverIDs[msg.ServerID] = struct{}{}
			}
			local.Status = models.MessageStatusDelivered
			conv := local.ConversationID
			s.mu.Unlock()
			s.notify(conv)
			return
		}
	}

	if msg.ServerID != "" {
		if _, seen := s.serverIDs[msg.ServerID]; seen {
			s.mu.Unlock()
			s.log.WithField("server_id", msg.ServerID).Debug("dropping redelivered message")
			return
		}
		s.serverIDs[msg.ServerID] = struct{}{}
	}

	if msg.ID == "" {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	msg.Status = models.MessageStatusDelivered
	s.insertLocked(msg)
	if msg.CorrelationKey != "" {
		s.byCorrelation[msg.CorrelationKey] = msg
	}
	conv := msg.ConversationID
	s.mu.Unlock()

	s.notify(conv)
}

// Messages returns a snapshot of one conversation in display order.
func (s *Store) Messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.conversations[conversationID]
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}

// Get returns a copy of the message with the given correlation key.
func (s *Store) Get(correlationKey string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byCorrelation[correlationKey]
	if !ok {
		return models.Message{}, errors.New(errors.ErrNotFound, "no message for correlation key "+correlationKey)
	}
	return *msg, nil
}

// insertLocked places msg at its ordered position. Callers hold s.mu.
func (s *Store) insertLocked(msg *models.Message) {
	s.nextSeq++
	msg.Seq = s.nextSeq

	msgs := s.conversations[msg.ConversationID]
	// find the first entry that sorts after msg
	i := sort.Search(len(msgs), func(i int) bool {
		if msgs[i].CreatedAt != msg.CreatedAt {
			return msgs[i].CreatedAt > msg.CreatedAt
		}
		return msgs[i].Seq > msg.Seq
	})
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	s.conversations[msg.ConversationID] = msgs
}

func (s *Store) notify(conversationID string) {
	s.mu.RLock()
	handlers := append([]ChangeHandler(nil), s.handlers...)
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(conversationID)
	}
}
