// Package ipc provides client implementation for daemon-client communication.
//
// The client supports:
// - Automatic connection and reconnection
// - Request/response pattern with timeouts
// - Event streaming for real-time updates
// - Thread-safe operations
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
	ErrUnsupported      = errors.New("not supported on this platform")
)

// IPCClient is the client for communicating with the henkand daemon
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	socketPath string
	clientID   string
	version    string
	permission PermissionLevel

	// Connection state
	connected    atomic.Bool
	reconnecting atomic.Bool

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	// Event handling
	eventChan    chan *Event
	eventHandler EventHandler
	eventMu      sync.RWMutex

	// Reconnection
	autoReconnect bool
	reconnectWait time.Duration
	maxReconnect  int

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Configuration
	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	AutoReconnect  bool
	ReconnectWait  time.Duration
	MaxReconnect   int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(henkandDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(henkandDir, "henkand.sock"),
		ClientName:     "henkanctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		AutoReconnect:  true,
		ReconnectWait:  time.Second,
		MaxReconnect:   3,
	}
}

// EventHandler is called when events are received
type EventHandler func(event *Event)

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	ctx, cancel := context.WithCancel(context.Background())

	return &IPCClient{
		socketPath:    cfg.SocketPath,
		pending:       make(map[uint32]chan *Message),
		eventChan:     make(chan *Event, 100),
		autoReconnect: cfg.AutoReconnect,
		reconnectWait: cfg.ReconnectWait,
		maxReconnect:  cfg.MaxReconnect,
		ctx:           ctx,
		cancel:        cancel,
		config:        cfg,
	}
}

// Connect establishes a connection to the daemon
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	conn, err := c.dial()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)

	// Start reader goroutine
	c.wg.Add(1)
	go c.readLoop()

	// The lock is released here: handshake and authenticate go through
	// the regular request path, which reads c.conn under RLock.
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.closeConn()
		return fmt.Errorf("handshake: %w", err)
	}

	if err := c.authenticate(); err != nil {
		c.closeConn()
		return fmt.Errorf("authenticate: %w", err)
	}

	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.closeConn()

	// Wait for reader to finish
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	close(c.eventChan)
	return nil
}

// closeConn closes the connection without signaling shutdown
func (c *IPCClient) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)

	// Cancel all pending requests
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the ID assigned by the server
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// SetEventHandler sets the handler for streamed events
func (c *IPCClient) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

// Events returns the event channel for streaming events
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

// handshake performs the initial handshake with the server
func (c *IPCClient) handshake() error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	resp, err := c.request(MsgHandshake, req)
	if err != nil {
		return err
	}

	if resp.Header.Type != MsgHandshakeAck {
		return fmt.Errorf("unexpected response type: %d", resp.Header.Type)
	}

	var ack HandshakeResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()

	return nil
}

// authenticate authenticates with the server
func (c *IPCClient) authenticate() error {
	req := &AuthRequest{
		Method: "peer",
	}

	resp, err := c.request(MsgAuthenticate, req)
	if err != nil {
		return err
	}

	if resp.Header.Type != MsgAuthResponse {
		return fmt.Errorf("unexpected response type: %d", resp.Header.Type)
	}

	var authResp AuthResponse
	if err := Decode(resp.Payload, &authResp); err != nil {
		return err
	}

	if !authResp.Success {
		return fmt.Errorf("authentication failed: %s", authResp.Error)
	}

	c.mu.Lock()
	c.permission = authResp.Permission
	c.mu.Unlock()
	return nil
}

// Request sends a request and waits for the matching response or ctx done.
func (c *IPCClient) Request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	// Encode payload
	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	// Create message
	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	// Create response channel
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	// Send message
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := msg.Write(conn); err != nil {
		c.handleConnectionError(err)
		return nil, fmt.Errorf("write message: %w", err)
	}

	// Wait for response
	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// request sends a request with the configured timeout
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	timeout := c.config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := c.Request(ctx, msgType, payload)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return resp, err
}

// call sends a request and decodes the response into out, converting
// daemon error replies into errors.
func (c *IPCClient) call(msgType MessageType, payload any, out any) error {
	resp, err := c.request(msgType, payload)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if derr := Decode(resp.Payload, &errResp); derr == nil && errResp.Message != "" {
			return fmt.Errorf("daemon: %s", errResp.Message)
		}
		return errors.New("daemon: request failed")
	}

	if out == nil {
		return nil
	}
	return Decode(resp.Payload, out)
}

// readLoop reads messages from the connection
func (c *IPCClient) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		// A successful reconnect starts a fresh read loop, so this one
		// must end either way.
		if conn == nil {
			if c.autoReconnect {
				c.tryReconnect()
			}
			return
		}

		// Read message
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}

			// Handle timeout (send ping)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.sendPing()
				continue
			}

			c.handleConnectionError(err)
			if c.autoReconnect {
				c.tryReconnect()
			}
			return
		}

		// Handle message
		c.handleMessage(msg)
	}
}

// handleMessage processes an incoming message
func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		// Respond to ping
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			pong := NewMessage(MsgPong, msg.Header.RequestID, nil)
			pong.Write(conn)
		}

	case MsgEvent:
		// Dispatch event
		var event Event
		if err := Decode(msg.Payload, &event); err == nil {
			select {
			case c.eventChan <- &event:
			default:
				// Channel full, drop event
			}

			c.eventMu.RLock()
			handler := c.eventHandler
			c.eventMu.RUnlock()
			if handler != nil {
				go handler(&event)
			}
		}

	default:
		// Response to a request, pongs included; a pong for a keep-alive
		// ping has no pending entry and is dropped here.
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// sendPing sends a ping to keep connection alive
func (c *IPCClient) sendPing() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		msg := NewMessage(MsgPing, c.nextReqID.Add(1), nil)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		msg.Write(conn)
	}
}

// handleConnectionError handles connection errors
func (c *IPCClient) handleConnectionError(err error) {
	c.closeConn()
}

// tryReconnect attempts to reconnect to the daemon
func (c *IPCClient) tryReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return // Already reconnecting
	}
	defer c.reconnecting.Store(false)

	for i := 0; i < c.maxReconnect; i++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectWait):
		}

		if err := c.Connect(); err == nil {
			return
		}
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Request(ctx, MsgPing, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}

	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: %d", resp.Header.Type)
	}

	return nil
}

// Status requests the daemon status
func (c *IPCClient) Status(includeConfig, includeDocs bool) (*StatusResponse, error) {
	req := &StatusRequest{
		IncludeConfig: includeConfig,
		IncludeDocs:   includeDocs,
	}

	var status StatusResponse
	if err := c.call(MsgStatus, req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RegisterDoc registers a document, or replaces its mirror while idle
func (c *IPCClient) RegisterDoc(docID, text string, cursor int) (*RegisterDocResponse, error) {
	req := &RegisterDocRequest{
		DocID:  docID,
		Text:   text,
		Cursor: cursor,
	}

	var result RegisterDocResponse
	if err := c.call(MsgRegisterDoc, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Trigger requests a conversion trigger on a document
func (c *IPCClient) Trigger(docID string) (*TriggerResponse, error) {
	var result TriggerResponse
	if err := c.call(MsgTrigger, &TriggerRequest{DocID: docID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel cancels an active conversion on a document
func (c *IPCClient) Cancel(docID string) (*CancelResponse, error) {
	var result CancelResponse
	if err := c.call(MsgCancel, &CancelRequest{DocID: docID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ForwardEvent feeds a raw input event to a converting document
func (c *IPCClient) ForwardEvent(docID, kind, r string) (*ForwardEventResponse, error) {
	req := &ForwardEventRequest{
		DocID: docID,
		Kind:  kind,
		Rune:  r,
	}

	var result ForwardEventResponse
	if err := c.call(MsgForwardEvent, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Disable applies the configured disable policy to a document
func (c *IPCClient) Disable(docID string) (*DisableResponse, error) {
	var result DisableResponse
	if err := c.call(MsgDisable, &DisableRequest{DocID: docID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReleaseDoc unregisters a document
func (c *IPCClient) ReleaseDoc(docID string) (*ReleaseDocResponse, error) {
	var result ReleaseDocResponse
	if err := c.call(MsgReleaseDoc, &ReleaseDocRequest{DocID: docID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// History requests recent conversion history
func (c *IPCClient) History(docID string, limit int) (*HistoryResponse, error) {
	req := &HistoryRequest{
		DocID: docID,
		Limit: limit,
	}

	var result HistoryResponse
	if err := c.call(MsgHistory, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Metrics requests rendered metrics
func (c *IPCClient) Metrics(format string) (*MetricsResponse, error) {
	var result MetricsResponse
	if err := c.call(MsgMetrics, &MetricsRequest{Format: format}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetConfig requests daemon configuration
func (c *IPCClient) GetConfig(keys []string) (*ConfigResponse, error) {
	var result ConfigResponse
	if err := c.call(MsgGetConfig, &ConfigRequest{Keys: keys}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Shutdown asks the daemon to stop
func (c *IPCClient) Shutdown() error {
	resp, err := c.request(MsgShutdown, nil)
	if err != nil {
		return err
	}

	switch resp.Header.Type {
	case MsgShutdownAck:
		return nil
	case MsgError:
		var errResp ErrorResponse
		if derr := Decode(resp.Payload, &errResp); derr == nil {
			return fmt.Errorf("daemon: %s", errResp.Message)
		}
		return errors.New("daemon: shutdown refused")
	default:
		return fmt.Errorf("unexpected response: %d", resp.Header.Type)
	}
}

// Subscribe subscribes to events
func (c *IPCClient) Subscribe(events []EventType) error {
	var result SubscribeResponse
	if err := c.call(MsgSubscribe, &SubscribeRequest{Events: events}, &result); err != nil {
		return err
	}

	if !result.Success {
		return errors.New("subscription failed")
	}

	return nil
}

// Unsubscribe unsubscribes from events
func (c *IPCClient) Unsubscribe() error {
	resp, err := c.request(MsgUnsubscribe, &UnsubscribeRequest{})
	if err != nil {
		return err
	}

	if resp.Header.Type != MsgUnsubscribeResp {
		return fmt.Errorf("unexpected response: %d", resp.Header.Type)
	}

	return nil
}
