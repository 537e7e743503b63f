// Package messages defines the WebSocket wire protocol: JSON-encoded
// messages discriminated by an integer type field.
package messages

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/densemesh/densemesh/meshcache"
	"github.com/densemesh/densemesh/volume"
	"github.com/segmentio/encoding/json"
)

// MsgType discriminates wire messages.
type MsgType uint32

const (
	MsgTypeUnspecified MsgType = iota
	MsgTypeErrorResponse
	MsgTypePingRequest
	MsgTypePingResponse
	MsgTypeSyncClock
	MsgTypeSessionJoinRequest
	MsgTypeSessionJoinResponse
	MsgTypeParticipantJoinBroadcast
	MsgTypeParticipantLeaveBroadcast
	MsgTypeDepthSamples
	MsgTypeDirtyCells
	MsgTypeMeshUpdateBroadcast
	MsgTypeRaycastRequest
	MsgTypeRaycastResponse
	MsgTypeCacheStatsRequest
	MsgTypeCacheStatsResponse
	MsgTypeExportRequest
	MsgTypeExportResponse
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeErrorResponse:
		return "error_response"
	case MsgTypePingRequest:
		return "ping_request"
	case MsgTypePingResponse:
		return "ping_response"
	case MsgTypeSyncClock:
		return "sync_clock"
	case MsgTypeSessionJoinRequest:
		return "session_join_request"
	case MsgTypeSessionJoinResponse:
		return "session_join_response"
	case MsgTypeParticipantJoinBroadcast:
		return "participant_join_broadcast"
	case MsgTypeParticipantLeaveBroadcast:
		return "participant_leave_broadcast"
	case MsgTypeDepthSamples:
		return "depth_samples"
	case MsgTypeDirtyCells:
		return "dirty_cells"
	case MsgTypeMeshUpdateBroadcast:
		return "mesh_update_broadcast"
	case MsgTypeRaycastRequest:
		return "raycast_request"
	case MsgTypeRaycastResponse:
		return "raycast_response"
	case MsgTypeCacheStatsRequest:
		return "cache_stats_request"
	case MsgTypeCacheStatsResponse:
		return "cache_stats_response"
	case MsgTypeExportRequest:
		return "export_request"
	case MsgTypeExportResponse:
		return "export_response"
	}
	return "unspecified"
}

// Error types attached to errors crossing the WebSocket layer.
const (
	ErrTypeMsgSkip          = "msg-skip"
	ErrTypeBadRequest       = "bad-request"
	ErrTypeSessionNotJoined = "session-not-joined"
	ErrTypeEncode           = "encode"
)

// ErrModuleMsgSkip is returned by module message handlers to signal that
// they do not handle a message.
var ErrModuleMsgSkip = errors.New("module message skipped").WithType(ErrTypeMsgSkip)

// ErrorCode qualifies an ErrorResponse.
type ErrorCode uint32

const (
	ErrorCodeUnspecified ErrorCode = iota
	ErrorCodeBadRequest
	ErrorCodeNotFound
	ErrorCodeSessionNotJoined
	ErrorCodeSessionAlreadyJoined
	ErrorCodeOutOfVolume
	ErrorCodeTooManyRequests
)

// Msg is a received wire message: its decoded type plus the raw payload.
type Msg struct {
	Type MsgType
	raw  []byte
}

// MsgFromBytes probes the type discriminator of a raw frame.
func MsgFromBytes(b []byte) (Msg, error) {
	var probe struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return Msg{}, errors.New("decoding message type failed").Wrap(err)
	}
	return Msg{Type: probe.Type, raw: b}, nil
}

// MsgFrom encodes a wire struct and probes its type discriminator.
func MsgFrom(v any) (Msg, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Msg{}, errors.New("encoding message failed").
			WithType(ErrTypeEncode).
			Wrap(err)
	}
	return MsgFromBytes(b)
}

// Bytes returns the raw encoded message.
func (m Msg) Bytes() []byte {
	return m.raw
}

// DataTo unmarshals the full message payload into v.
func (m Msg) DataTo(v any) error {
	if err := json.Unmarshal(m.raw, v); err != nil {
		return errors.New("decoding message failed").
			WithTag("msg_type", m.Type).
			Wrap(err)
	}
	return nil
}

// Size returns the encoded size of the message in bytes.
func (m Msg) Size() int {
	return len(m.raw)
}

// ResponseSender sends messages back to a single connected client.
type ResponseSender interface {
	// Encodes and sends a wire message. Encoding or send failures are
	// handled by the transport; senders never block the caller.
	Send(v any)

	// Sends an already received or encoded message.
	SendMsg(m Msg)
}

type Request struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`
}

type Response struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`
}

type ErrorResponse struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`
	Code      ErrorCode `json:"code"`
}

type SyncClock struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionJoinRequest struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`

	// The global id of the session to join. Empty requests a new session.
	SessionID string `json:"session_id,omitempty"`
}

type SessionJoinResponse struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`

	SessionID     string `json:"session_id"`
	SessionUUID   string `json:"session_uuid"`
	ParticipantID uint32 `json:"participant_id"`
}

type ParticipantJoinBroadcast struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	ParticipantID uint32 `json:"participant_id"`
}

type ParticipantLeaveBroadcast struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	ParticipantID uint32 `json:"participant_id"`
}

// DepthSample is one raw depth observation: a surface point, the ray it was
// observed along, and a confidence weight.
type DepthSample struct {
	Point  volume.Vec3 `json:"point"`
	Ray    volume.Vec3 `json:"ray"`
	Weight float32     `json:"weight"`
}

type DepthSamples struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Samples []DepthSample `json:"samples"`
}

// DirtyCells reports cells whose authoritative surface changed on the
// device-side reconstruction engine.
type DirtyCells struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Cells []volume.Cell `json:"cells"`

	// The device's current viewer-forward direction, used for observation
	// direction bookkeeping.
	Forward volume.Vec3 `json:"forward"`
}

type MeshUpdateBroadcast struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Cell      volume.Cell    `json:"cell"`
	Vertices  []volume.Vec3  `json:"vertices"`
	Colors    []volume.Color `json:"colors,omitempty"`
	Indices   []int32        `json:"indices"`
	Triangles int            `json:"triangles"`
}

type RaycastRequest struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`

	From volume.Vec3 `json:"from"`
	To   volume.Vec3 `json:"to"`
}

type RaycastCellHit struct {
	Cell volume.Cell   `json:"cell"`
	Hits []volume.Vec3 `json:"hits,omitempty"`
}

type RaycastResponse struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`

	Cells []RaycastCellHit `json:"cells,omitempty"`
}

type CacheStatsRequest struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`
}

type CacheStatsResponse struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`

	Stats meshcache.Stats `json:"stats"`
}

type ExportRequest struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`
}

type ExportResponse struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID uint32    `json:"request_id,omitempty"`

	Path string `json:"path"`
}
