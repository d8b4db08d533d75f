// Package queue provides the durable outbound operation queue and the
// retry scheduler that drains it.
package queue

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trialpath/chatsync/internal/db"
	"github.com/trialpath/chatsync/internal/errors"
	"github.com/trialpath/chatsync/internal/metrics"
	"github.com/trialpath/chatsync/internal/models"
	"github.com/trialpath/chatsync/internal/uuid"
)

// Store is the durable, append-only queue of pending outbound operations.
// Enqueue appends and returns immediately; it never touches the network.
// After enqueue, only the Scheduler mutates a stored operation (attempt
// counter and backoff timestamp), keeping a single-writer discipline on
// the durable state.
type Store struct {
	repo *db.QueueRepository
	log  *logrus.Entry
}

// NewStore creates a Store over an opened, migrated database.
func NewStore(repo *db.QueueRepository, log *logrus.Entry) *Store {
	return &Store{repo: repo, log: log}
}

// Enqueue appends an operation durably and returns it. The payload must
// already be in its wire shape; for send_message it carries the
// correlation key used to reconcile the optimistic message later.
func (s *Store) Enqueue(kind models.OperationKind, payload interface{}) (*models.QueuedOperation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "operation payload is not serializable", err)
	}

	op := &models.QueuedOperation{
		ID:        uuid.New(),
		Kind:      kind,
		Payload:   raw,
		Attempt:   0,
		CreatedAt: time.Now().UnixMilli(),
	}

	if err := s.repo.Insert(op); err != nil {
		return nil, errors.Wrap(errors.ErrQueueStore, "failed to enqueue operation", err)
	}

	metrics.OpsEnqueued.Inc()
	s.log.WithFields(logrus.Fields{
		"op_id": op.ID,
		"kind":  op.Kind,
	}).Debug("operation enqueued")

	return op, nil
}

// ListPending returns all queued operations in FIFO enqueue order.
func (s *Store) ListPending() ([]*models.QueuedOperation, error) {
	ops, err := s.repo.ListPending()
	if err != nil {
		return nil, errors.Wrap(errors.ErrQueueStore, "failed to list pending operations", err)
	}
	return ops, nil
}

// Remove deletes an operation durably.
func (s *Store) Remove(id string) error {
	if err := s.repo.Remove(id); err != nil {
		return errors.Wrap(errors.ErrQueueStore, "failed to remove operation", err)
	}
	return nil
}

// Reschedule records a failed attempt and the operation's backoff deadline.
func (s *Store) Reschedule(id string, attempt int, nextAttemptAt int64) error {
	if err := s.repo.Reschedule(id, attempt, nextAttemptAt); err != nil {
		return errors.Wrap(errors.ErrQueueStore, "failed to reschedule operation", err)
	}
	return nil
}

// Size returns the number of queued operations.
func (s *Store) Size() (int, error) {
	return s.repo.Count()
}
