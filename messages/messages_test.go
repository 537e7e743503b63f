package messages

import (
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/densemesh/densemesh/volume"
	"github.com/stretchr/testify/require"
)

func TestMsgFromBytes(t *testing.T) {
	t.Run("probes the type discriminator", func(t *testing.T) {
		msg, err := MsgFromBytes([]byte(`{"type":2,"request_id":42}`))
		require.NoError(t, err)
		require.Equal(t, MsgTypePingRequest, msg.Type)
		require.Equal(t, 26, msg.Size())
	})

	t.Run("rejects malformed frames", func(t *testing.T) {
		_, err := MsgFromBytes([]byte(`{`))
		require.Error(t, err)
	})
}

func TestMsgFrom(t *testing.T) {
	msg, err := MsgFrom(RaycastRequest{
		Type:      MsgTypeRaycastRequest,
		Timestamp: time.Now(),
		RequestID: 7,
		From:      volume.Vec3{X: 0.5, Y: 0.5, Z: 2},
		To:        volume.Vec3{X: 0.5, Y: 0.5, Z: 0.2},
	})
	require.NoError(t, err)
	require.Equal(t, MsgTypeRaycastRequest, msg.Type)

	var req RaycastRequest
	require.NoError(t, msg.DataTo(&req))
	require.Equal(t, uint32(7), req.RequestID)
	require.Equal(t, volume.Vec3{X: 0.5, Y: 0.5, Z: 2}, req.From)
}

func TestMsgDataToBadPayload(t *testing.T) {
	msg, err := MsgFromBytes([]byte(`{"type":9,"samples":42}`))
	require.NoError(t, err)

	var samples DepthSamples
	require.Error(t, msg.DataTo(&samples))
}

func TestMsgTypeString(t *testing.T) {
	require.Equal(t, "depth_samples", MsgTypeDepthSamples.String())
	require.Equal(t, "mesh_update_broadcast", MsgTypeMeshUpdateBroadcast.String())
	require.Equal(t, "unspecified", MsgTypeUnspecified.String())
	require.Equal(t, "unspecified", MsgType(255).String())
}

func TestErrModuleMsgSkip(t *testing.T) {
	require.True(t, errors.IsType(ErrModuleMsgSkip, ErrTypeMsgSkip))
}
