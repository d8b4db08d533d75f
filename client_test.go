package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialpath/chatsync/internal/config"
	"github.com/trialpath/chatsync/internal/errors"
	"github.com/trialpath/chatsync/internal/models"
	"github.com/trialpath/chatsync/internal/transport"
)

// messagingAPI is a stub REST endpoint for queued-operation replays.
type messagingAPI struct {
	srv *httptest.Server

	mu        sync.Mutex
	status    int
	sendCount int
	readCount int
	nextID    int
}

func newMessagingAPI(t *testing.T) *messagingAPI {
	api := &messagingAPI{status: http.StatusOK}
	api.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()

		if strings.HasSuffix(r.URL.Path, "/read") {
			api.readCount++
			w.WriteHeader(api.status)
			return
		}

		api.sendCount++
		if api.status != http.StatusOK {
			http.Error(w, "unavailable", api.status)
			return
		}
		api.nextID++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"srv-%d"}`, api.nextID)
	}))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *messagingAPI) setStatus(status int) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

func (a *messagingAPI) sends() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendCount
}

func (a *messagingAPI) reads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readCount
}

var clientTestUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// socketServer is a stub realtime endpoint that records outbound frames
// and can push inbound ones.
type socketServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan transport.Frame
}

func newSocketServer(t *testing.T) *socketServer {
	s := &socketServer{received: make(chan transport.Frame, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := clientTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var frame transport.Frame
				if json.Unmarshal(data, &frame) == nil {
					s.received <- frame
				}
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *socketServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *socketServer) push(t *testing.T, frame transport.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns, "no connected client")
	require.NoError(t, s.conns[len(s.conns)-1].WriteJSON(frame))
}

func testConfig(t *testing.T, api *messagingAPI, socketURL string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Server.APIURL = api.srv.URL
	cfg.Server.SocketURL = socketURL
	cfg.Retry.BaseDelay = config.Duration(10 * time.Millisecond)
	cfg.Retry.DrainInterval = config.Duration(20 * time.Millisecond)
	cfg.Reconnect.BaseDelay = config.Duration(10 * time.Millisecond)
	cfg.Reconnect.MaxAttempts = 2
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config) *Client {
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitForStatus(t *testing.T, c *Client, conv, correlationKey string, status models.MessageStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, m := range c.Messages(conv) {
			if m.CorrelationKey == correlationKey {
				return m.Status == status
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "message never reached status %s", status)
}

// TestOfflineSendDrainsWhenStarted covers the core offline promise: a
// send with no connectivity is accepted, survives in the queue, and is
// delivered exactly once when draining begins.
func TestOfflineSendDrainsWhenStarted(t *testing.T) {
	api := newMessagingAPI(t)
	cfg := testConfig(t, api, "ws://127.0.0.1:1/ws")
	c := newTestClient(t, cfg)

	msg, err := c.SendMessage(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Sender:         "athlete-9",
		Receiver:       "scout-4",
		Content:        "sent from the bus, no signal",
	})
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusPending, msg.Status)

	depth, err := c.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	c.Start(context.Background())
	waitForStatus(t, c, "conv-1", msg.CorrelationKey, models.MessageStatusSent)

	msgs := c.Messages("conv-1")
	require.Len(t, msgs, 1, "delivery must not duplicate the optimistic entry")
	assert.NotEmpty(t, msgs[0].ServerID)

	require.Eventually(t, func() bool {
		depth, _ := c.QueueDepth()
		return depth == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, api.sends())
}

// TestQueueSurvivesRestart verifies a queued send from a crashed run is
// delivered by the next run.
func TestQueueSurvivesRestart(t *testing.T) {
	api := newMessagingAPI(t)
	cfg := testConfig(t, api, "ws://127.0.0.1:1/ws")

	c1, err := New(cfg)
	require.NoError(t, err)
	_, err = c1.SendMessage(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Sender:         "athlete-9",
		Receiver:       "scout-4",
		Content:        "queued before the crash",
	})
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2 := newTestClient(t, cfg)
	depth, err := c2.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	c2.Start(context.Background())
	require.Eventually(t, func() bool {
		depth, _ := c2.QueueDepth()
		return depth == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, api.sends())
}

// TestRetriesExhaustThenManualRetry covers the terminal failure path: a
// persistently failing send burns its retry budget, surfaces as failed,
// and an explicit retry with a recovered server succeeds.
func TestRetriesExhaustThenManualRetry(t *testing.T) {
	api := newMessagingAPI(t)
	api.setStatus(http.StatusInternalServerError)
	cfg := testConfig(t, api, "ws://127.0.0.1:1/ws")
	cfg.Retry.MaxAttempts = 2
	c := newTestClient(t, cfg)

	c.Start(context.Background())
	msg, err := c.SendMessage(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Sender:         "athlete-9",
		Receiver:       "scout-4",
		Content:        "server is down",
	})
	require.NoError(t, err)

	waitForStatus(t, c, "conv-1", msg.CorrelationKey, models.MessageStatusFailed)
	require.Eventually(t, func() bool {
		depth, _ := c.QueueDepth()
		return depth == 0
	}, time.Second, 10*time.Millisecond)

	api.setStatus(http.StatusOK)
	require.NoError(t, c.RetryMessage(msg.CorrelationKey))
	waitForStatus(t, c, "conv-1", msg.CorrelationKey, models.MessageStatusSent)
	assert.Len(t, c.Messages("conv-1"), 1)
}

func TestRetryRequiresFailedMessage(t *testing.T) {
	api := newMessagingAPI(t)
	cfg := testConfig(t, api, "ws://127.0.0.1:1/ws")
	c := newTestClient(t, cfg)

	msg, err := c.SendMessage(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Sender:         "athlete-9",
		Receiver:       "scout-4",
		Content:        "still pending",
	})
	require.NoError(t, err)

	err = c.RetryMessage(msg.CorrelationKey)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

// TestPermanentRejectionSkipsRetries verifies a 4xx response fails the
// send on the first attempt without burning the retry budget.
func TestPermanentRejectionSkipsRetries(t *testing.T) {
	api := newMessagingAPI(t)
	api.setStatus(http.StatusBadRequest)
	cfg := testConfig(t, api, "ws://127.0.0.1:1/ws")
	c := newTestClient(t, cfg)

	c.Start(context.Background())
	msg, err := c.SendMessage(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Sender:         "athlete-9",
		Receiver:       "scout-4",
		Content:        "rejected by validation",
	})
	require.NoError(t, err)

	waitForStatus(t, c, "conv-1", msg.CorrelationKey, models.MessageStatusFailed)
	assert.Equal(t, 1, api.sends())
}

// TestConnectedSendGoesOverSocket verifies the realtime path: with the
// socket up, a send reaches the server as a frame, skips the queue, and
// the ack confirms the optimistic entry.
func TestConnectedSendGoesOverSocket(t *testing.T) {
	api := newMessagingAPI(t)
	socket := newSocketServer(t)
	cfg := testConfig(t, api, socket.url())
	c := newTestClient(t, cfg)

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		return c.ConnectionState().Phase == models.PhaseConnected
	}, 3*time.Second, 10*time.Millisecond)

	msg, err := c.SendMessage(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Sender:         "athlete-9",
		Receiver:       "scout-4",
		Content:        "live message",
	})
	require.NoError(t, err)

	var sent transport.MessageData
	select {
	case frame := <-socket.received:
		assert.Equal(t, transport.EventSendMessage, frame.Event)
		require.NoError(t, json.Unmarshal(frame.Data, &sent))
		assert.Equal(t, msg.CorrelationKey, sent.CorrelationKey)
	case <-time.After(time.Second):
		t.Fatal("frame never reached the socket server")
	}

	depth, err := c.QueueDepth()
	require.NoError(t, err)
	assert.Zero(t, depth, "a socket-delivered send must not be queued")
	assert.Zero(t, api.sends())

	ack, err := transport.NewFrame(transport.EventMessageAck, transport.MessageData{
		ID:             "srv-9",
		CorrelationKey: sent.CorrelationKey,
	})
	require.NoError(t, err)
	socket.push(t, ack)

	waitForStatus(t, c, "conv-1", msg.CorrelationKey, models.MessageStatusSent)
	assert.Equal(t, "srv-9", c.Messages("conv-1")[0].ServerID)
}

func TestInboundMessageAppearsInConversation(t *testing.T) {
	api := newMessagingAPI(t)
	socket := newSocketServer(t)
	cfg := testConfig(t, api, socket.url())
	c := newTestClient(t, cfg)

	var mu sync.Mutex
	var changed []string
	c.OnConversationChange(func(conv string) {
		mu.Lock()
		changed = append(changed, conv)
		mu.Unlock()
	})

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		return c.ConnectionState().Phase == models.PhaseConnected
	}, 3*time.Second, 10*time.Millisecond)

	frame, err := transport.NewFrame(transport.EventMessageReceived, transport.MessageData{
		ID:             "srv-44",
		ConversationID: "conv-1",
		Sender:         "scout-4",
		Receiver:       "athlete-9",
		Content:        "trial moved to saturday",
		MessageType:    "text",
		CreatedAt:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	socket.push(t, frame)

	require.Eventually(t, func() bool {
		return len(c.Messages("conv-1")) == 1
	}, time.Second, 10*time.Millisecond)

	got := c.Messages("conv-1")[0]
	assert.Equal(t, models.MessageStatusDelivered, got.Status)
	assert.Equal(t, "trial moved to saturday", got.Content)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, changed, "conv-1")
}

func TestTypingEventsReachSubscribers(t *testing.T) {
	api := newMessagingAPI(t)
	socket := newSocketServer(t)
	cfg := testConfig(t, api, socket.url())
	c := newTestClient(t, cfg)

	typing := make(chan string, 1)
	c.OnTyping(func(conv, sender string, isTyping bool) {
		if isTyping {
			typing <- conv + "/" + sender
		}
	})

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		return c.ConnectionState().Phase == models.PhaseConnected
	}, 3*time.Second, 10*time.Millisecond)

	frame, err := transport.NewFrame(transport.EventTyping, transport.TypingData{
		ConversationID: "conv-1",
		Sender:         "scout-4",
		Typing:         true,
	})
	require.NoError(t, err)
	socket.push(t, frame)

	select {
	case got := <-typing:
		assert.Equal(t, "conv-1/scout-4", got)
	case <-time.After(time.Second):
		t.Fatal("typing event never arrived")
	}
}

func TestMarkReadSyncs(t *testing.T) {
	api := newMessagingAPI(t)
	cfg := testConfig(t, api, "ws://127.0.0.1:1/ws")
	c := newTestClient(t, cfg)

	c.Start(context.Background())
	require.NoError(t, c.MarkRead("conv-1", "athlete-9", "srv-44"))

	require.Eventually(t, func() bool {
		return api.reads() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSendValidation(t *testing.T) {
	api := newMessagingAPI(t)
	cfg := testConfig(t, api, "ws://127.0.0.1:1/ws")
	c := newTestClient(t, cfg)

	_, err := c.SendMessage(context.Background(), SendRequest{Sender: "athlete-9"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	_, err = c.SendMessage(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Sender:         "athlete-9",
		Receiver:       "scout-4",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

// TestSuspendStopsDraining verifies Suspend pauses the scheduler while
// the queue keeps accepting sends, and Resume drains the backlog.
func TestSuspendStopsDraining(t *testing.T) {
	api := newMessagingAPI(t)
	cfg := testConfig(t, api, "ws://127.0.0.1:1/ws")
	c := newTestClient(t, cfg)

	c.Start(context.Background())
	c.Suspend()

	msg, err := c.SendMessage(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Sender:         "athlete-9",
		Receiver:       "scout-4",
		Content:        "written in the background",
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	depth, err := c.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "suspended client must not drain")
	assert.Zero(t, api.sends())

	c.Resume(context.Background())
	waitForStatus(t, c, "conv-1", msg.CorrelationKey, models.MessageStatusSent)
}
