// Package main provides the FFI bridge the mobile hosts load.
// Build as shared library: libchatsync.so (Android) / chatsync.framework (iOS).
// Every exported function returning *C.char allocates; the caller must
// release it with FreeString.
package main

/*
#cgo CFLAGS: -Wall -Wextra
#cgo LDFLAGS: -shared
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/trialpath/chatsync"
	"github.com/trialpath/chatsync/internal/config"
	"github.com/trialpath/chatsync/internal/logging"
	"github.com/trialpath/chatsync/internal/models"
)

var (
	mu      sync.Mutex
	client  *chatsync.Client
	cancel  context.CancelFunc
	lastErr string
	lastMu  sync.RWMutex
)

// sendRequest is the JSON shape the host passes to SendMessage.
type sendRequest struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	Content        string `json:"content"`
	AttachmentPath string `json:"attachmentPath,omitempty"`
	AttachmentName string `json:"attachmentName,omitempty"`
	AttachmentKind string `json:"attachmentKind,omitempty"`
}

//export Init
// Init loads configuration and opens the device store. Returns 0 on
// success. Safe to call once per process; later calls are no-ops.
func Init(configPath *C.char) C.int {
	mu.Lock()
	defer mu.Unlock()
	if client != nil {
		return 0
	}

	cfg, err := config.Load(C.GoString(configPath))
	if err != nil {
		setLastError(fmt.Sprintf("failed to load config: %v", err))
		return 1
	}
	logging.Setup(os.Stderr, cfg.Log.Level)

	c, err := chatsync.New(cfg)
	if err != nil {
		setLastError(fmt.Sprintf("failed to initialize sync core: %v", err))
		return 1
	}
	client = c
	return 0
}

//export Start
// Start begins draining the queue and connecting the realtime transport.
func Start() C.int {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		setLastError("sync core not initialized")
		return 1
	}
	var ctx context.Context
	ctx, cancel = context.WithCancel(context.Background())
	client.Start(ctx)
	return 0
}

//export Suspend
// Suspend pauses networking when the host app goes to background.
func Suspend() {
	mu.Lock()
	defer mu.Unlock()
	if client != nil {
		client.Suspend()
	}
}

//export Resume
// Resume restarts networking on app foregrounding.
func Resume() C.int {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		setLastError("sync core not initialized")
		return 1
	}
	var ctx context.Context
	ctx, cancel = context.WithCancel(context.Background())
	client.Resume(ctx)
	return 0
}

//export Connect
// Connect retriggers the transport after the reconnect ceiling, on an OS
// reachability signal or a user action.
func Connect() {
	mu.Lock()
	defer mu.Unlock()
	if client != nil {
		client.Connect()
	}
}

//export Shutdown
// Shutdown releases the device store. The process must Init again before
// further use.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if cancel != nil {
		cancel()
		cancel = nil
	}
	if client != nil {
		if err := client.Close(); err != nil {
			setLastError(fmt.Sprintf("shutdown error: %v", err))
		}
		client = nil
	}
}

//export SendMessage
// SendMessage accepts a message described by requestJSON and returns the
// optimistic entry as JSON, or nil on error.
func SendMessage(requestJSON *C.char) *C.char {
	mu.Lock()
	c := client
	mu.Unlock()
	if c == nil {
		setLastError("sync core not initialized")
		return nil
	}

	var req sendRequest
	if err := json.Unmarshal([]byte(C.GoString(requestJSON)), &req); err != nil {
		setLastError(fmt.Sprintf("malformed send request: %v", err))
		return nil
	}

	out := chatsync.SendRequest{
		ConversationID: req.ConversationID,
		Sender:         req.Sender,
		Receiver:       req.Receiver,
		Content:        req.Content,
	}
	if req.AttachmentPath != "" {
		out.Attachment = &chatsync.Attachment{
			LocalPath: req.AttachmentPath,
			Name:      req.AttachmentName,
			Kind:      models.MessageType(req.AttachmentKind),
		}
	}

	msg, err := c.SendMessage(context.Background(), out)
	if err != nil {
		setLastError(fmt.Sprintf("send failed: %v", err))
		return nil
	}
	return marshalToC(msg)
}

//export RetryMessage
// RetryMessage re-queues a failed message identified by its correlation
// key. Returns 0 on success.
func RetryMessage(correlationKey *C.char) C.int {
	mu.Lock()
	c := client
	mu.Unlock()
	if c == nil {
		setLastError("sync core not initialized")
		return 1
	}
	if err := c.RetryMessage(C.GoString(correlationKey)); err != nil {
		setLastError(fmt.Sprintf("retry failed: %v", err))
		return 1
	}
	return 0
}

//export MarkRead
// MarkRead records that the reader has seen a conversation.
func MarkRead(conversationID, reader, upToMessageID *C.char) C.int {
	mu.Lock()
	c := client
	mu.Unlock()
	if c == nil {
		setLastError("sync core not initialized")
		return 1
	}
	if err := c.MarkRead(C.GoString(conversationID), C.GoString(reader), C.GoString(upToMessageID)); err != nil {
		setLastError(fmt.Sprintf("mark read failed: %v", err))
		return 1
	}
	return 0
}

//export Messages
// Messages returns one conversation's ordered message list as JSON.
func Messages(conversationID *C.char) *C.char {
	mu.Lock()
	c := client
	mu.Unlock()
	if c == nil {
		setLastError("sync core not initialized")
		return nil
	}
	msgs := c.Messages(C.GoString(conversationID))
	return marshalToC(map[string]interface{}{
		"messages": msgs,
		"total":    len(msgs),
	})
}

//export ConnectionState
// ConnectionState returns the transport state as JSON.
func ConnectionState() *C.char {
	mu.Lock()
	c := client
	mu.Unlock()
	if c == nil {
		setLastError("sync core not initialized")
		return nil
	}
	return marshalToC(c.ConnectionState())
}

//export QueueDepth
// QueueDepth returns the number of pending queued operations, or -1 on
// error.
func QueueDepth() C.int {
	mu.Lock()
	c := client
	mu.Unlock()
	if c == nil {
		setLastError("sync core not initialized")
		return -1
	}
	depth, err := c.QueueDepth()
	if err != nil {
		setLastError(fmt.Sprintf("queue depth failed: %v", err))
		return -1
	}
	return C.int(depth)
}

//export GetLastError
// GetLastError returns the last error message as a C string.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export FreeString
// FreeString frees a string allocated by this library.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func setLastError(err string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err
}

func marshalToC(v interface{}) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		setLastError(fmt.Sprintf("failed to serialize: %v", err))
		return nil
	}
	return C.CString(string(data))
}

func main() {
	// entry point unused when loaded as a shared library
}
