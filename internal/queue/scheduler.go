package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trialpath/chatsync/internal/errors"
	"github.com/trialpath/chatsync/internal/metrics"
	"github.com/trialpath/chatsync/internal/models"
)

// Deliverer executes one queued operation against the network. The error
// it returns must be classified (internal/errors) so the scheduler can
// distinguish transient failures from permanent ones.
type Deliverer interface {
	Deliver(ctx context.Context, op *models.QueuedOperation) error
}

// Listener receives terminal outcomes of queued operations. The message
// store uses these to reconcile optimistic entries.
type Listener interface {
	OperationDelivered(op *models.QueuedOperation)
	OperationFailed(op *models.QueuedOperation, err error)
}

// SchedulerConfig holds retry policy. Zero values fall back to the
// documented defaults (base 1s, 5 attempts, 1s drain interval).
type SchedulerConfig struct {
	BaseDelay     time.Duration
	MaxAttempts   int
	DrainInterval time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Second
	}
}

// Scheduler drains the durable queue: it attempts delivery of each pending
// operation whose backoff window has elapsed, in FIFO order, one operation
// at a time. An operation still in backoff is skipped, not blocking
// later-queued operations whose window has elapsed. The scheduler is the
// only writer of post-enqueue queue state.
type Scheduler struct {
	store     *Store
	deliverer Deliverer
	listener  Listener
	cfg       SchedulerConfig
	log       *logrus.Entry

	now func() time.Time // injectable clock

	mu       sync.Mutex
	running  bool
	draining bool
	stopCh   chan struct{}
	kickCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler. The listener may be nil when no one
// needs terminal outcomes (tests, replay tooling).
func NewScheduler(store *Store, deliverer Deliverer, listener Listener, cfg SchedulerConfig, log *logrus.Entry) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		store:     store,
		deliverer: deliverer,
		listener:  listener,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		kickCh:    make(chan struct{}, 1),
	}
}

// Start launches the drain loop. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drainLoop(ctx)

	s.log.Info("retry scheduler started")
}

// Stop halts the drain loop and waits for an in-flight pass to finish.
// Pending backoff state stays durable; nothing is lost across a stop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("retry scheduler stopped")
}

// Kick requests an immediate drain pass, typically on connectivity
// regained. Coalesces if a kick is already pending.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Flush runs one synchronous drain pass that ignores backoff windows: the
// user forced a retry, so every pending operation is attempted now.
func (s *Scheduler) Flush(ctx context.Context) {
	s.drain(ctx, true)
}

func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drain(ctx, false)
		case <-s.kickCh:
			s.drain(ctx, false)
		}
	}
}

// drain attempts delivery of every pending operation whose backoff window
// has elapsed. Only one drain pass runs at a time, which also guarantees
// no concurrent duplicate delivery of the same operation id.
func (s *Scheduler) drain(ctx context.Context, ignoreBackoff bool) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	ops, err := s.store.ListPending()
	if err != nil {
		s.log.WithError(err).Error("failed to list pending operations")
		return
	}
	if len(ops) == 0 {
		return
	}

	now := s.now().UnixMilli()
	for _, op := range ops {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		if !ignoreBackoff && op.NextAttemptAt > now {
			continue // still in backoff; later operations may be ready
		}
		s.attempt(ctx, op)
	}
}

func (s *Scheduler) attempt(ctx context.Context, op *models.QueuedOperation) {
	log := s.log.WithFields(logrus.Fields{
		"op_id":   op.ID,
		"kind":    op.Kind,
		"attempt": op.Attempt,
	})

	err := s.deliverer.Deliver(ctx, op)
	if err == nil {
		if rmErr := s.store.Remove(op.ID); rmErr != nil {
			log.WithError(rmErr).Error("delivered operation could not be removed")
			return
		}
		metrics.OpsDelivered.Inc()
		log.Debug("operation delivered")
		if s.listener != nil {
			s.listener.OperationDelivered(op)
		}
		return
	}

	if errors.IsPermanent(err) {
		// 4xx-class failures never succeed on retry; don't burn the budget
		s.terminate(op, err, log.WithError(err))
		return
	}

	op.Attempt++
	if op.Attempt >= s.cfg.MaxAttempts {
		s.terminate(op, errors.Wrap(errors.ErrRetryExhausted, "retry ceiling reached", err), log.WithError(err))
		return
	}

	// Exponential backoff: base * 2^attempt from now. The deadline is
	// persisted so it survives restarts.
	delay := s.cfg.BaseDelay * (1 << uint(op.Attempt))
	next := s.now().Add(delay).UnixMilli()
	if rsErr := s.store.Reschedule(op.ID, op.Attempt, next); rsErr != nil {
		log.WithError(rsErr).Error("failed to reschedule operation")
		return
	}
	metrics.OpsRetried.Inc()
	log.WithFields(logrus.Fields{
		"delay_ms": delay.Milliseconds(),
		"error":    err.Error(),
	}).Info("delivery failed, rescheduled")
}

func (s *Scheduler) terminate(op *models.QueuedOperation, err error, log *logrus.Entry) {
	if rmErr := s.store.Remove(op.ID); rmErr != nil {
		log.WithError(rmErr).Error("failed to remove terminally failed operation")
		return
	}
	metrics.OpsFailed.Inc()
	log.Warn("operation failed terminally")
	if s.listener != nil {
		s.listener.OperationFailed(op, err)
	}
}
