// Package ipc provides inter-process communication between the encounterd
// daemon and client applications (CLI, GUI, third-party tools).
//
// The protocol is designed for:
// - Request/response pattern for commands
// - Event streaming for real-time updates
// - Fixed binary framing with JSON payloads
// - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"encounterd/internal/discovery"
	"encounterd/internal/health"
	"encounterd/internal/ledger"
	"encounterd/internal/presence"
	"encounterd/internal/window"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x45495043 // "EIPC" - Encounterd IPC
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101
	MsgHealthCheck    MessageType = 0x0102
	MsgHealthResponse MessageType = 0x0103

	// Discovery control (0x02xx)
	MsgDiscoveryStart     MessageType = 0x0200
	MsgDiscoveryStartResp MessageType = 0x0201
	MsgDiscoveryStop      MessageType = 0x0202
	MsgDiscoveryStopResp  MessageType = 0x0203
	MsgDiscoveryState     MessageType = 0x0204
	MsgDiscoveryStateResp MessageType = 0x0205

	// Presence (0x03xx)
	MsgListPeers     MessageType = 0x0300
	MsgListPeersResp MessageType = 0x0301

	// Ledger operations (0x04xx)
	MsgRecord               MessageType = 0x0400
	MsgRecordResp           MessageType = 0x0401
	MsgPending              MessageType = 0x0402
	MsgPendingResp          MessageType = 0x0403
	MsgRetry                MessageType = 0x0404
	MsgRetryResp            MessageType = 0x0405
	MsgSweep                MessageType = 0x0406
	MsgSweepResp            MessageType = 0x0407
	MsgErase                MessageType = 0x0408
	MsgEraseResp            MessageType = 0x0409
	MsgListInteractions     MessageType = 0x040A
	MsgListInteractionsResp MessageType = 0x040B

	// Exposure reports (0x05xx)
	MsgWindow     MessageType = 0x0500
	MsgWindowResp MessageType = 0x0501

	// Event streaming (0x06xx)
	MsgSubscribe       MessageType = 0x0600
	MsgSubscribeResp   MessageType = 0x0601
	MsgUnsubscribe     MessageType = 0x0602
	MsgUnsubscribeResp MessageType = 0x0603
	MsgEvent           MessageType = 0x0604

	// Configuration (0x07xx)
	MsgGetConfig     MessageType = 0x0700
	MsgGetConfigResp MessageType = 0x0701
)

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventPeersChanged        EventType = 0x0001
	EventDiscoveryState      EventType = 0x0002
	EventInteractionRecorded EventType = 0x0003
	EventSyncCompleted       EventType = 0x0004
	EventError               EventType = 0x0005
	EventDaemonShutdown      EventType = 0x0006
	EventConfigChanged       EventType = 0x0007
)

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermReadOnly  PermissionLevel = 0x01
	PermReadWrite PermissionLevel = 0x02
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

// Header flags
const (
	FlagJSON        uint8 = 0x01
	FlagStreamStart uint8 = 0x02
	FlagStreamEnd   uint8 = 0x04
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 16 * 1024 * 1024

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
		if h.Length > MaxPayloadSize {
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
	ErrNotSupported     = 6
	ErrRadioOff         = 7
	ErrDatabase         = 8
)

// StatusRequest requests daemon status
type StatusRequest struct {
	IncludeMetrics bool `json:"include_metrics,omitempty"`
	IncludeHealth  bool `json:"include_health,omitempty"`
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version          string           `json:"version"`
	Uptime           time.Duration    `json:"uptime"`
	StartedAt        time.Time        `json:"started_at"`
	DisplayName      string           `json:"display_name"`
	IDHash           string           `json:"id_hash"`
	Discovery        discovery.State  `json:"discovery"`
	DiscoveryPhase   string           `json:"discovery_phase"`
	PeerCount        int              `json:"peer_count"`
	InteractionCount int              `json:"interaction_count"`
	PendingCount     int              `json:"pending_count"`
	SyncBackend      string           `json:"sync_backend"`
	Health           string           `json:"health,omitempty"`
	Metrics          map[string]any   `json:"metrics,omitempty"`
	HealthDetail     *health.Response `json:"health_detail,omitempty"`
}

// DiscoveryStartResponse acknowledges a discovery start
type DiscoveryStartResponse struct {
	Success            bool            `json:"success"`
	State              discovery.State `json:"state"`
	Error              string          `json:"error,omitempty"`
	MissingPermissions []string        `json:"missing_permissions,omitempty"`
}

// DiscoveryStopResponse acknowledges a discovery stop
type DiscoveryStopResponse struct {
	Success bool            `json:"success"`
	State   discovery.State `json:"state"`
}

// DiscoveryStateResponse reports the current discovery state
type DiscoveryStateResponse struct {
	State discovery.State `json:"state"`
	Phase string          `json:"phase"`
}

// ListPeersResponse contains the current presence snapshot
type ListPeersResponse struct {
	Peers []presence.Peer `json:"peers"`
	Count int             `json:"count"`
}

// RecordRequest records interactions with nearby peers. When All is set
// the daemon records everyone currently visible; otherwise IDHashes
// selects peers from the current presence snapshot.
type RecordRequest struct {
	All      bool     `json:"all,omitempty"`
	IDHashes []string `json:"id_hashes,omitempty"`
}

// RecordResponse acknowledges recorded interactions
type RecordResponse struct {
	Success bool     `json:"success"`
	Count   int      `json:"count"`
	IDs     []string `json:"ids,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// PendingResponse reports the sync backlog
type PendingResponse struct {
	Count      int  `json:"count"`
	HasPending bool `json:"has_pending"`
}

// RetryResponse reports the outcome of a retry pass
type RetryResponse struct {
	SuccessCount int      `json:"success_count"`
	FailureCount int      `json:"failure_count"`
	FailedIDs    []string `json:"failed_ids,omitempty"`
}

// SweepResponse reports a retention sweep
type SweepResponse struct {
	Deleted int `json:"deleted"`
}

// EraseRequest requests deletion of all stored interactions.
// Confirm must be set; an unconfirmed erase is rejected.
type EraseRequest struct {
	Confirm bool `json:"confirm"`
}

// EraseResponse acknowledges an erase
type EraseResponse struct {
	Success bool `json:"success"`
	Deleted int  `json:"deleted"`
}

// ListInteractionsRequest requests stored interactions
type ListInteractionsRequest struct {
	PendingOnly bool `json:"pending_only,omitempty"`
	Limit       int  `json:"limit,omitempty"`
}

// ListInteractionsResponse contains stored interactions
type ListInteractionsResponse struct {
	Interactions []ledger.Interaction `json:"interactions"`
	Total        int                  `json:"total"`
}

// WindowRequest computes an exposure window for a report
type WindowRequest struct {
	Conditions []string `json:"conditions,omitempty"`
	TestDate   string   `json:"test_date"` // YYYY-MM-DD
}

// WindowResponse contains the computed exposure window
type WindowResponse struct {
	Window         window.Window `json:"window"`
	IncubationDays int           `json:"incubation_days"`
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

// Event is a streamed event. Events carry counts and states, never
// partner identities; a peers-changed event tells the client to fetch
// a fresh snapshot if it wants the details.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// PeersChangedEvent reports a presence set change
type PeersChangedEvent struct {
	Count int `json:"count"`
}

// DiscoveryStateEvent reports a discovery state change
type DiscoveryStateEvent struct {
	State discovery.State `json:"state"`
	Phase string          `json:"phase"`
}

// InteractionRecordedEvent reports freshly recorded interactions
type InteractionRecordedEvent struct {
	Count int `json:"count"`
}

// SyncCompletedEvent reports a finished sync pass
type SyncCompletedEvent struct {
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`
}

// ConfigRequest requests the daemon's effective configuration
type ConfigRequest struct{}

// ConfigResponse contains a redacted view of the configuration.
// Credentials never cross the socket.
type ConfigResponse struct {
	Config map[string]any `json:"config"`
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
