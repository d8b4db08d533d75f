package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/trialpath/chatsync/internal/errors"
	"github.com/trialpath/chatsync/internal/metrics"
	"github.com/trialpath/chatsync/internal/models"
)

// Config holds transport settings. Zero policy values fall back to the
// documented defaults (base delay 1s, 5 reconnect attempts).
type Config struct {
	URL                  string
	AuthToken            string
	BaseDelay            time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration

	// Dialer overrides the websocket dialer, used by tests.
	Dialer *websocket.Dialer
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout}
	}
}

// FrameHandler receives decoded inbound frames.
type FrameHandler func(Frame)

// PhaseHandler receives connection state changes.
type PhaseHandler func(models.ConnectionState)

// Transport maintains one duplex websocket connection as an explicit
// state machine:
//
//	Disconnected -> Connecting        on Connect
//	Connecting   -> Connected         on successful handshake (attempt reset)
//	Connecting   -> Reconnecting      on handshake failure (linear backoff)
//	Connected    -> Reconnecting      on unexpected close
//	Reconnecting -> Connecting        when the backoff timer fires
//	any state    -> Disconnected      on explicit Disconnect, or when the
//	                                  reconnect ceiling is reached
//
// After the ceiling, the transport stays Disconnected until an explicit
// Connect (app foregrounding, user retry). Connection errors never
// propagate past this boundary; callers observe them only as phase
// changes and ErrNotConnected sends.
type Transport struct {
	cfg Config
	log *logrus.Entry

	mu               sync.Mutex
	writeMu          sync.Mutex
	phase            models.ConnectionPhase
	reconnectAttempt int
	conn             *websocket.Conn
	reconnectTimer   *time.Timer
	closed           bool // explicit Disconnect; suppresses auto-reconnect

	frameHandlers []FrameHandler
	phaseHandlers []PhaseHandler
	notifyCh      chan models.ConnectionState
}

// New creates a Transport in the Disconnected phase. It does not dial;
// call Connect to start the lifecycle.
func New(cfg Config, log *logrus.Entry) *Transport {
	cfg.applyDefaults()
	t := &Transport{
		cfg:      cfg,
		log:      log,
		phase:    models.PhaseDisconnected,
		notifyCh: make(chan models.ConnectionState, 16),
	}
	go t.notifyLoop()
	return t
}

// notifyLoop delivers phase changes to subscribers in order, off the
// transport's lock so a subscriber calling back in cannot deadlock.
func (t *Transport) notifyLoop() {
	for state := range t.notifyCh {
		t.mu.Lock()
		handlers := append([]PhaseHandler(nil), t.phaseHandlers...)
		t.mu.Unlock()
		for _, fn := range handlers {
			fn(state)
		}
	}
}

// OnFrame registers an inbound frame handler. Register before Connect.
func (t *Transport) OnFrame(fn FrameHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frameHandlers = append(t.frameHandlers, fn)
}

// OnPhaseChange registers a connection state handler. Register before
// Connect.
func (t *Transport) OnPhaseChange(fn PhaseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phaseHandlers = append(t.phaseHandlers, fn)
}

// State returns a snapshot of the connection state.
func (t *Transport) State() models.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.ConnectionState{Phase: t.phase, ReconnectAttempt: t.reconnectAttempt}
}

// Phase returns the current connection phase.
func (t *Transport) Phase() models.ConnectionPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Connect starts (or restarts) the connection lifecycle. It is the
// explicit external trigger required after the reconnect ceiling has been
// reached. Dialing happens asynchronously; progress is observable through
// OnPhaseChange. Calling Connect while already connecting or connected is
// a no-op.
func (t *Transport) Connect() {
	t.mu.Lock()
	if t.phase == models.PhaseConnecting || t.phase == models.PhaseConnected {
		t.mu.Unlock()
		return
	}
	t.closed = false
	t.reconnectAttempt = 0
	t.cancelReconnectTimerLocked()
	t.setPhaseLocked(models.PhaseConnecting)
	t.mu.Unlock()

	go t.dial()
}

// Disconnect tears the connection down and cancels any pending reconnect
// timer. The transport stays Disconnected until the next Connect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closed = true
	t.cancelReconnectTimerLocked()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.reconnectAttempt = 0
	changed := t.phase != models.PhaseDisconnected
	if changed {
		t.setPhaseLocked(models.PhaseDisconnected)
	}
	t.mu.Unlock()

	if changed {
		t.log.Info("transport disconnected")
	}
}

// Send writes a frame to the server. Not being connected is an ordinary,
// expected condition: Send fails fast with ErrNotConnected and the caller
// falls back to the durable queue.
func (t *Transport) Send(frame Frame) error {
	t.mu.Lock()
	if t.phase != models.PhaseConnected || t.conn == nil {
		t.mu.Unlock()
		return errors.New(errors.ErrNotConnected, "transport is not connected")
	}
	conn := t.conn
	t.mu.Unlock()

	// gorilla/websocket allows one concurrent writer; serialize here
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		t.log.WithError(err).Warn("write failed, connection presumed lost")
		t.handleConnectionLoss(conn)
		return errors.Wrap(errors.ErrDeliveryTransient, "websocket write failed", err)
	}
	return nil
}

// dial performs one connection attempt from the Connecting phase.
func (t *Transport) dial() {
	header := http.Header{}
	if t.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}

	conn, resp, err := t.cfg.Dialer.Dial(t.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		t.mu.Unlock()
		t.log.WithError(err).Warn("websocket handshake failed")
		t.scheduleReconnect()
		return
	}

	t.conn = conn
	t.reconnectAttempt = 0
	t.setPhaseLocked(models.PhaseConnected)
	t.mu.Unlock()

	t.log.WithField("url", t.cfg.URL).Info("transport connected")
	metrics.ConnectionUp.Set(1)

	go t.readLoop(conn)
}

// readLoop deserializes inbound frames until the connection dies.
// Malformed frames are logged and dropped; they never crash the loop.
func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleConnectionLoss(conn)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			metrics.FramesDropped.Inc()
			t.log.WithError(err).Warn("dropping malformed inbound frame")
			continue
		}
		if frame.Event == "" {
			metrics.FramesDropped.Inc()
			t.log.Warn("dropping inbound frame without event")
			continue
		}

		t.mu.Lock()
		handlers := append([]FrameHandler(nil), t.frameHandlers...)
		t.mu.Unlock()
		for _, fn := range handlers {
			fn(frame)
		}
	}
}

// handleConnectionLoss reacts to an unexpected close of conn. Stale calls
// for an already-replaced connection are ignored.
func (t *Transport) handleConnectionLoss(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	_ = t.conn.Close()
	t.conn = nil
	closed := t.closed
	t.mu.Unlock()

	metrics.ConnectionUp.Set(0)
	if closed {
		return
	}
	t.log.Warn("connection lost")
	t.scheduleReconnect()
}

// scheduleReconnect moves to Reconnecting and arms the backoff timer, or
// gives up once the ceiling is reached. The retry delay grows linearly:
// baseDelay * reconnectAttempt.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	t.reconnectAttempt++
	if t.reconnectAttempt > t.cfg.MaxReconnectAttempts {
		attempt := t.reconnectAttempt
		t.setPhaseLocked(models.PhaseDisconnected)
		t.mu.Unlock()
		t.log.WithField("attempts", attempt-1).Error("reconnect attempts exhausted, waiting for explicit trigger")
		return
	}

	delay := t.cfg.BaseDelay * time.Duration(t.reconnectAttempt)
	t.setPhaseLocked(models.PhaseReconnecting)
	t.cancelReconnectTimerLocked()
	t.reconnectTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.setPhaseLocked(models.PhaseConnecting)
		t.mu.Unlock()
		t.dial()
	})
	attempt := t.reconnectAttempt
	t.mu.Unlock()

	metrics.Reconnects.Inc()
	t.log.WithFields(logrus.Fields{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	}).Info("reconnect scheduled")
}

// setPhaseLocked updates the phase and queues the change for the notify
// loop. Callers hold t.mu. A full notify queue drops the oldest pending
// state; subscribers always converge on the latest.
func (t *Transport) setPhaseLocked(phase models.ConnectionPhase) {
	t.phase = phase
	state := models.ConnectionState{Phase: phase, ReconnectAttempt: t.reconnectAttempt}
	for {
		select {
		case t.notifyCh <- state:
			return
		default:
			select {
			case <-t.notifyCh:
			default:
			}
		}
	}
}

func (t *Transport) cancelReconnectTimerLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}
