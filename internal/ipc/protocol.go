// Package ipc provides inter-process communication between the henkand daemon
// and client applications (editor integrations, henkanctl, third-party tools).
//
// The protocol is designed for:
// - Request/response pattern for commands
// - Event streaming for real-time updates
// - Binary framing with JSON payloads
// - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"henkand/internal/document"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x484E4B44 // "HNKD"
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgAuthenticate MessageType = 0x0005
	MsgAuthResponse MessageType = 0x0006
	MsgShutdown     MessageType = 0x0007
	MsgShutdownAck  MessageType = 0x0008

	// Document operations (0x01xx)
	MsgRegisterDoc      MessageType = 0x0100
	MsgRegisterDocResp  MessageType = 0x0101
	MsgTrigger          MessageType = 0x0102
	MsgTriggerResp      MessageType = 0x0103
	MsgCancel           MessageType = 0x0104
	MsgCancelResp       MessageType = 0x0105
	MsgForwardEvent     MessageType = 0x0106
	MsgForwardEventResp MessageType = 0x0107
	MsgDisable          MessageType = 0x0108
	MsgDisableResp      MessageType = 0x0109
	MsgReleaseDoc       MessageType = 0x010A
	MsgReleaseDocResp   MessageType = 0x010B

	// Queries (0x02xx)
	MsgStatus        MessageType = 0x0200
	MsgStatusResp    MessageType = 0x0201
	MsgHistory       MessageType = 0x0202
	MsgHistoryResp   MessageType = 0x0203
	MsgMetrics       MessageType = 0x0204
	MsgMetricsResp   MessageType = 0x0205
	MsgGetConfig     MessageType = 0x0206
	MsgGetConfigResp MessageType = 0x0207

	// Event streaming (0x04xx)
	MsgSubscribe       MessageType = 0x0400
	MsgSubscribeResp   MessageType = 0x0401
	MsgUnsubscribe     MessageType = 0x0402
	MsgUnsubscribeResp MessageType = 0x0403
	MsgEvent           MessageType = 0x0404

	// Errors (0x0Fxx)
	MsgError MessageType = 0x0F00
)

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventStateChanged   EventType = 0x0001
	EventNotice         EventType = 0x0002
	EventConfigChanged  EventType = 0x0003
	EventDaemonShutdown EventType = 0x0004
)

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermReadOnly    PermissionLevel = 0x01
	PermReadWrite   PermissionLevel = 0x02
	PermFullControl PermissionLevel = 0x03
)

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// MaxPayload bounds a single message payload.
const MaxPayload = 16 * 1024 * 1024

// Header flags
const (
	FlagJSON uint8 = 0x01
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	ClientID        string          `json:"client_id"`
	Permission      PermissionLevel `json:"permission"`
}

// AuthRequest is sent to authenticate a client
type AuthRequest struct {
	Method string `json:"method"` // "peer", "none"
	PID    int    `json:"pid,omitempty"`
}

// AuthResponse acknowledges authentication
type AuthResponse struct {
	Success    bool            `json:"success"`
	Permission PermissionLevel `json:"permission"`
	Error      string          `json:"error,omitempty"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrAlreadyExists    = 6
	ErrNotInitialized   = 7
	ErrSessionActive    = 8
	ErrNoActiveSession  = 9
)

// Conversion states as reported in DocState.State.
const (
	DocStateIdle       = "idle"
	DocStateConverting = "converting"
)

// DocState mirrors a registered document after an operation. Thin clients
// rerender from Text; editors that keep their own buffer replay Ops, the
// mutations recorded since the previous reply, against it instead.
type DocState struct {
	DocID     string        `json:"doc_id"`
	State     string        `json:"state"` // DocStateIdle or DocStateConverting
	Cursor    int           `json:"cursor"`
	Text      string        `json:"text"`
	Candidate string        `json:"candidate,omitempty"` // current candidate while converting
	Notice    string        `json:"notice,omitempty"`    // last transient notice
	Ops       []document.Op `json:"ops,omitempty"`       // edits since the last reply
}

// RegisterDocRequest registers a document with the daemon, or replaces the
// mirror of an already registered one while it is idle.
type RegisterDocRequest struct {
	DocID  string `json:"doc_id"`
	Text   string `json:"text"`
	Cursor int    `json:"cursor"`
}

// RegisterDocResponse acknowledges document registration
type RegisterDocResponse struct {
	Success bool      `json:"success"`
	Doc     *DocState `json:"doc,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// TriggerRequest requests a conversion trigger on a document
type TriggerRequest struct {
	DocID string `json:"doc_id"`
}

// TriggerResponse reports the document after the trigger
type TriggerResponse struct {
	Success bool      `json:"success"`
	Doc     *DocState `json:"doc,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// CancelRequest requests cancellation of an active conversion
type CancelRequest struct {
	DocID string `json:"doc_id"`
}

// CancelResponse reports the document after the cancel
type CancelResponse struct {
	Success bool      `json:"success"`
	Doc     *DocState `json:"doc,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Event kinds accepted by ForwardEventRequest
const (
	ForwardKindTrigger = "trigger"
	ForwardKindCommit  = "commit"
	ForwardKindQuit    = "quit"
	ForwardKindRune    = "rune"
)

// ForwardEventRequest feeds a raw input event to the engine through the
// controller of a converting document
type ForwardEventRequest struct {
	DocID string `json:"doc_id"`
	Kind  string `json:"kind"`
	Rune  string `json:"rune,omitempty"` // single rune for kind "rune"
}

// ForwardEventResponse reports the document after the event
type ForwardEventResponse struct {
	Success bool      `json:"success"`
	Doc     *DocState `json:"doc,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// DisableRequest applies the configured disable policy to a document
type DisableRequest struct {
	DocID string `json:"doc_id"`
}

// DisableResponse reports the document after disabling
type DisableResponse struct {
	Success bool      `json:"success"`
	Doc     *DocState `json:"doc,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// ReleaseDocRequest unregisters a document
type ReleaseDocRequest struct {
	DocID string `json:"doc_id"`
}

// ReleaseDocResponse acknowledges document release
type ReleaseDocResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatusRequest requests daemon status
type StatusRequest struct {
	IncludeConfig bool `json:"include_config,omitempty"`
	IncludeDocs   bool `json:"include_docs,omitempty"`
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version   string         `json:"version"`
	Uptime    time.Duration  `json:"uptime"`
	StartedAt time.Time      `json:"started_at"`
	Healthy   bool           `json:"healthy"`
	Checks    []HealthStatus `json:"checks,omitempty"`
	History   HistoryStatus  `json:"history"`
	Documents []DocSummary   `json:"documents,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
}

// HealthStatus reports one health check
type HealthStatus struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// HistoryStatus contains history store health info
type HistoryStatus struct {
	Enabled       bool      `json:"enabled"`
	RecordCount   int64     `json:"record_count"`
	DocumentCount int64     `json:"document_count"`
	IntegrityOK   bool      `json:"integrity_ok"`
	NewestRecord  time.Time `json:"newest_record,omitempty"`
}

// DocSummary provides brief document session info
type DocSummary struct {
	DocID        string    `json:"doc_id"`
	State        string    `json:"state"`
	RegisteredAt time.Time `json:"registered_at"`
	Conversions  uint64    `json:"conversions"`
}

// HistoryRequest requests recent conversion history
type HistoryRequest struct {
	DocID string `json:"doc_id,omitempty"` // empty means all documents
	Limit int    `json:"limit,omitempty"`
}

// HistoryRecord contains one committed conversion
type HistoryRecord struct {
	Timestamp time.Time `json:"timestamp"`
	DocID     string    `json:"doc_id"`
	Anchor    int       `json:"anchor"`
	Original  string    `json:"original"`
	Committed string    `json:"committed"`
}

// HistoryResponse contains conversion history, newest first
type HistoryResponse struct {
	Total   int64           `json:"total"`
	Records []HistoryRecord `json:"records"`
}

// MetricsRequest requests rendered metrics
type MetricsRequest struct {
	Format string `json:"format,omitempty"` // "prometheus" (default) or "json"
}

// MetricsResponse contains rendered metrics
type MetricsResponse struct {
	Format string `json:"format"`
	Body   string `json:"body"`
}

// ConfigRequest requests daemon configuration
type ConfigRequest struct {
	Keys []string `json:"keys,omitempty"` // If empty, returns all config
}

// ConfigResponse contains daemon configuration
type ConfigResponse struct {
	Path   string         `json:"path"`
	Config map[string]any `json:"config"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// UnsubscribeRequest requests event unsubscription
type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	DocID     string    `json:"doc_id,omitempty"`
	Data      any       `json:"data"`
}

// StateChangedEvent reports a conversion session ending or beginning
type StateChangedEvent struct {
	DocID     string `json:"doc_id"`
	State     string `json:"state"`
	Committed string `json:"committed,omitempty"`
	Restored  bool   `json:"restored,omitempty"`
}

// NoticeEvent carries a transient user notice
type NoticeEvent struct {
	DocID string `json:"doc_id"`
	Text  string `json:"text"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
