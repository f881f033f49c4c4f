// Package signal carries the relay's session signaling over WebSocket. Every
// message is an envelope {"type", "payload"} whose payload decodes into one
// concrete Event and is validated before dispatch.
package signal

import (
	"encoding/json"
	"fmt"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/validation"
)

const (
	TypeConnectPublish    = "connect-publish"
	TypePublishAck        = "publish-ack"
	TypeICECandidate      = "ice-candidate"
	TypeSubscribe         = "subscribe"
	TypeSubscribeOffer    = "subscribe-offer"
	TypeSubscribeAnswer   = "subscribe-answer"
	TypeUnsubscribe       = "unsubscribe"
	TypeSubscriptionEnded = "subscription-ended"
	TypeQualityChange     = "quality-change"
	TypeFrameDrop         = "frame-drop"
	TypeHeartbeat         = "heartbeat"
	TypeMetricsUpdate     = "metrics-update"
	TypeFrame             = "frame"
	TypeChunk             = "chunk"
	TypeChunkEnd          = "chunk-end"
	TypeTransferComplete  = "transfer-complete"
	TypeTransferError     = "transfer-error"
	TypeError             = "error"
)

// Envelope is the wire form of every signaling message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one decoded signaling message.
type Event interface {
	Type() string
	Validate() error
}

type ConnectPublish struct {
	AgentID      string `json:"agentId"`
	OfferSDP     string `json:"offerSdp"`
	EnableScreen bool   `json:"enableScreen"`
	EnableCamera bool   `json:"enableCamera"`
	EnableAudio  bool   `json:"enableAudio"`
	// Tier is the tier the agent starts at. Empty means auto.
	Tier string `json:"tier,omitempty"`
}

func (ConnectPublish) Type() string { return TypeConnectPublish }

func (e ConnectPublish) Validate() error {
	if err := validation.ValidateIdentifier(e.AgentID, "agentId"); err != nil {
		return err
	}
	if !e.EnableScreen && !e.EnableCamera && !e.EnableAudio {
		return fmt.Errorf("at least one of enableScreen, enableCamera, enableAudio is required")
	}
	if e.Tier != "" {
		if err := validation.ValidateQuality(e.Tier); err != nil {
			return err
		}
	}
	return validation.ValidateSDP(e.OfferSDP)
}

func (e ConnectPublish) Capabilities() domain.Capabilities {
	return domain.Capabilities{Screen: e.EnableScreen, Camera: e.EnableCamera, Audio: e.EnableAudio}
}

type PublishAck struct {
	AgentID   string `json:"agentId"`
	AnswerSDP string `json:"answerSdp"`
}

func (PublishAck) Type() string { return TypePublishAck }

func (e PublishAck) Validate() error {
	if err := validation.ValidateIdentifier(e.AgentID, "agentId"); err != nil {
		return err
	}
	return validation.ValidateSDP(e.AnswerSDP)
}

// ICECandidate trickles a candidate. From an endpoint the ids are implied by
// the session; from the relay one of them names the connection it belongs to.
type ICECandidate struct {
	AgentID       string  `json:"agentId,omitempty"`
	ViewerID      string  `json:"viewerId,omitempty"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (ICECandidate) Type() string { return TypeICECandidate }

func (e ICECandidate) Validate() error {
	return validation.ValidateNonEmptyString(e.Candidate, "candidate")
}

func (e ICECandidate) toPorts() ports.ICECandidate {
	return ports.ICECandidate{Candidate: e.Candidate, SDPMid: e.SDPMid, SDPMLineIndex: e.SDPMLineIndex}
}

type Subscribe struct {
	AgentID string `json:"agentId"`
	// ViewerID is optional; the relay assigns one when it is empty.
	ViewerID string `json:"viewerId,omitempty"`
}

func (Subscribe) Type() string { return TypeSubscribe }

func (e Subscribe) Validate() error {
	if err := validation.ValidateIdentifier(e.AgentID, "agentId"); err != nil {
		return err
	}
	if e.ViewerID != "" {
		return validation.ValidateIdentifier(e.ViewerID, "viewerId")
	}
	return nil
}

type SubscribeOffer struct {
	ViewerID string `json:"viewerId"`
	AgentID  string `json:"agentId"`
	OfferSDP string `json:"offerSdp"`
}

func (SubscribeOffer) Type() string { return TypeSubscribeOffer }

func (e SubscribeOffer) Validate() error {
	return validation.ValidateSDP(e.OfferSDP)
}

type SubscribeAnswer struct {
	AnswerSDP string `json:"answerSdp"`
}

func (SubscribeAnswer) Type() string { return TypeSubscribeAnswer }

func (e SubscribeAnswer) Validate() error {
	return validation.ValidateSDP(e.AnswerSDP)
}

type Unsubscribe struct{}

func (Unsubscribe) Type() string    { return TypeUnsubscribe }
func (Unsubscribe) Validate() error { return nil }

type SubscriptionEnded struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
}

func (SubscriptionEnded) Type() string    { return TypeSubscriptionEnded }
func (SubscriptionEnded) Validate() error { return nil }

type QualityChange struct {
	Tier        string `json:"tier"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	FPS         int    `json:"fps,omitempty"`
	BitrateKbps int    `json:"bitrateKbps,omitempty"`
}

func (QualityChange) Type() string { return TypeQualityChange }

func (e QualityChange) Validate() error {
	return validation.ValidateQuality(e.Tier)
}

type FrameDrop struct {
	FPS int `json:"fps"`
}

func (FrameDrop) Type() string { return TypeFrameDrop }

func (e FrameDrop) Validate() error {
	if e.FPS < 0 {
		return fmt.Errorf("fps must be >= 0")
	}
	return nil
}

type Heartbeat struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (Heartbeat) Type() string    { return TypeHeartbeat }
func (Heartbeat) Validate() error { return nil }

// MetricsUpdate is an agent's own view of its uplink.
type MetricsUpdate struct {
	BitrateKbps float64 `json:"bitrateKbps"`
	RTTMs       float64 `json:"rttMs"`
	PacketLoss  float64 `json:"packetLoss"`
	JitterMs    float64 `json:"jitterMs"`
}

func (MetricsUpdate) Type() string { return TypeMetricsUpdate }

func (e MetricsUpdate) Validate() error {
	if e.BitrateKbps < 0 || e.RTTMs < 0 || e.JitterMs < 0 {
		return fmt.Errorf("metrics must be non-negative")
	}
	return validation.ValidateRatio(e.PacketLoss, "packetLoss")
}

// Frame carries one encoded media unit that has no RTP mapping.
type Frame struct {
	AgentID   string `json:"agentId"`
	Kind      string `json:"kind"`
	Codec     string `json:"codec"`
	Timestamp int64  `json:"timestamp"`
	Key       bool   `json:"key,omitempty"`
	DataB64   string `json:"dataB64"`
}

func (Frame) Type() string { return TypeFrame }

func (e Frame) Validate() error {
	if _, err := domain.ParseTrackKind(e.Kind); err != nil {
		return err
	}
	return validation.ValidateNonEmptyString(e.DataB64, "dataB64")
}

type Chunk struct {
	Filename        string `json:"filename"`
	PayloadB64      string `json:"payloadB64"`
	Offset          int64  `json:"offset"`
	TotalSize       int64  `json:"totalSize"`
	UnknownLength   bool   `json:"unknownLength,omitempty"`
	DestinationPath string `json:"destinationPath,omitempty"`
}

func (Chunk) Type() string { return TypeChunk }

func (e Chunk) Validate() error {
	if err := validation.ValidateFilename(e.Filename); err != nil {
		return err
	}
	if e.Offset < 0 || e.TotalSize < 0 {
		return fmt.Errorf("offset and totalSize must be >= 0")
	}
	return nil
}

func (e Chunk) toDomain() domain.Chunk {
	return domain.Chunk{
		Filename:        e.Filename,
		Offset:          e.Offset,
		TotalSize:       e.TotalSize,
		UnknownLength:   e.UnknownLength,
		DestinationPath: e.DestinationPath,
	}
}

type ChunkEnd struct {
	Filename string `json:"filename"`
}

func (ChunkEnd) Type() string { return TypeChunkEnd }

func (e ChunkEnd) Validate() error {
	return validation.ValidateFilename(e.Filename)
}

type TransferComplete struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

func (TransferComplete) Type() string    { return TypeTransferComplete }
func (TransferComplete) Validate() error { return nil }

type TransferError struct {
	Filename string `json:"filename"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (TransferError) Type() string    { return TypeTransferError }
func (TransferError) Validate() error { return nil }

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Event is the type of the message that failed, if known.
	Event string `json:"event,omitempty"`
}

func (Error) Type() string    { return TypeError }
func (Error) Validate() error { return nil }

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newEvent(typ string) (Event, bool) {
	switch typ {
	case TypeConnectPublish:
		return &ConnectPublish{}, true
	case TypePublishAck:
		return &PublishAck{}, true
	case TypeICECandidate:
		return &ICECandidate{}, true
	case TypeSubscribe:
		return &Subscribe{}, true
	case TypeSubscribeOffer:
		return &SubscribeOffer{}, true
	case TypeSubscribeAnswer:
		return &SubscribeAnswer{}, true
	case TypeUnsubscribe:
		return &Unsubscribe{}, true
	case TypeSubscriptionEnded:
		return &SubscriptionEnded{}, true
	case TypeQualityChange:
		return &QualityChange{}, true
	case TypeFrameDrop:
		return &FrameDrop{}, true
	case TypeHeartbeat:
		return &Heartbeat{}, true
	case TypeMetricsUpdate:
		return &MetricsUpdate{}, true
	case TypeFrame:
		return &Frame{}, true
	case TypeChunk:
		return &Chunk{}, true
	case TypeChunkEnd:
		return &ChunkEnd{}, true
	case TypeTransferComplete:
		return &TransferComplete{}, true
	case TypeTransferError:
		return &TransferError{}, true
	case TypeError:
		return &Error{}, true
	}
	return nil, false
}

// Decode parses and validates one message. The returned event is a value,
// not a pointer, so callers can switch on the concrete types above. Errors
// wrap domain.ErrInvalidEvent.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %v: %w", err, domain.ErrInvalidEvent)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message type is required: %w", domain.ErrInvalidEvent)
	}
	ptr, ok := newEvent(env.Type)
	if !ok {
		return nil, fmt.Errorf("unknown message type %q: %w", env.Type, domain.ErrInvalidEvent)
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, ptr); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %v: %w", env.Type, err, domain.ErrInvalidEvent)
		}
	}
	ev := deref(ptr)
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %v: %w", env.Type, err, domain.ErrInvalidEvent)
	}
	return ev, nil
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *ConnectPublish:
		return *e
	case *PublishAck:
		return *e
	case *ICECandidate:
		return *e
	case *Subscribe:
		return *e
	case *SubscribeOffer:
		return *e
	case *SubscribeAnswer:
		return *e
	case *Unsubscribe:
		return *e
	case *SubscriptionEnded:
		return *e
	case *QualityChange:
		return *e
	case *FrameDrop:
		return *e
	case *Heartbeat:
		return *e
	case *MetricsUpdate:
		return *e
	case *Frame:
		return *e
	case *Chunk:
		return *e
	case *ChunkEnd:
		return *e
	case *TransferComplete:
		return *e
	case *TransferError:
		return *e
	case *Error:
		return *e
	}
	return ev
}

// Encode wraps ev in an envelope.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{Type: ev.Type(), Payload: payload})
}

// ErrorEvent converts err into an error event carrying the client-facing
// code and message.
func ErrorEvent(err error, eventType string) Error {
	appErr := domain.ToAppError(err)
	return Error{Code: string(appErr.Code), Message: appErr.Message, Event: eventType}
}
