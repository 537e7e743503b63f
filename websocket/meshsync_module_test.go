package websocket

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/densemesh/densemesh/export"
	"github.com/densemesh/densemesh/messages"
	"github.com/densemesh/densemesh/modules"
	"github.com/densemesh/densemesh/modules/meshsync"
	"github.com/densemesh/densemesh/volume"
	"github.com/stretchr/testify/require"
)

func newMeshsyncTestModule() modules.Module {
	return &meshsync.Module{}
}

func TestHandleDirtyCells(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(newMeshsyncTestModule))
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	err := NewScenario(clientA).
		Send(func() any {
			return messages.SessionJoinRequest{
				Type:      messages.MsgTypeSessionJoinRequest,
				Timestamp: time.Now(),
				RequestID: 1,
			}
		}).
		Receive(
			FilterByType(messages.MsgTypeSessionJoinResponse),
			FilterByRequestID(1),
		).
		Send(func() any {
			return messages.DirtyCells{
				Type:      messages.MsgTypeDirtyCells,
				Timestamp: time.Now(),
				Cells: []volume.Cell{
					{X: 0, Y: 0, Z: 0},
					{X: 1, Y: 0, Z: -1},
				},
				Forward: volume.Vec3{X: 0, Y: 0, Z: 1},
			}
		}).
		Send(func() any {
			// Dirty cells are consumed on the next session frame.
			time.Sleep(time.Millisecond * 300)

			return messages.CacheStatsRequest{
				Type:      messages.MsgTypeCacheStatsRequest,
				Timestamp: time.Now(),
				RequestID: 2,
			}
		}).
		Receive(
			FilterByType(messages.MsgTypeCacheStatsResponse),
			FilterByRequestID(2),
			func(msg messages.Msg) error {
				var res messages.CacheStatsResponse
				err := msg.DataTo(&res)
				require.NoError(t, err)
				require.NotZero(t, res.Stats.Refreshes)
				return nil
			},
		).
		Run(ctx)
	require.NoError(t, err)
}

func TestHandleMeshUpdateBroadcast(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(
		newPointcloudTestModule,
		newMeshsyncTestModule,
	))
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	err := NewScenario(clientA).
		Send(func() any {
			return messages.SessionJoinRequest{
				Type:      messages.MsgTypeSessionJoinRequest,
				Timestamp: time.Now(),
				RequestID: 1,
			}
		}).
		Receive(
			FilterByType(messages.MsgTypeSessionJoinResponse),
			FilterByRequestID(1),
		).
		Send(func() any {
			return messages.DepthSamples{
				Type:      messages.MsgTypeDepthSamples,
				Timestamp: time.Now(),
				Samples: []messages.DepthSample{
					{
						Point:  volume.Vec3{X: 0.5, Y: 0.5, Z: 0.5},
						Ray:    volume.Vec3{X: 0.5, Y: 0.5, Z: 2},
						Weight: 1,
					},
				},
			}
		}).
		Receive(
			FilterByType(messages.MsgTypeMeshUpdateBroadcast),
			func(msg messages.Msg) error {
				var res messages.MeshUpdateBroadcast
				err := msg.DataTo(&res)
				require.NoError(t, err)
				require.Equal(t, volume.Cell{X: 0, Y: 0, Z: 0}, res.Cell)
				require.NotZero(t, res.Triangles)
				require.NotEmpty(t, res.Vertices)
				require.Len(t, res.Indices, res.Triangles*3)
				return nil
			},
		).
		Run(ctx)
	require.NoError(t, err)
}

func TestHandleExport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	exportHandler := export.Handler{
		Dir:  t.TempDir(),
		Jobs: make(chan export.Job, 4),
	}
	go exportHandler.HandleExports(ctx)

	clientA, _, close := NewTestingEnv(t, newTestHandler(func() modules.Module {
		return &meshsync.Module{Exports: exportHandler.Jobs}
	}))
	defer close()

	var path string

	err := NewScenario(clientA).
		Send(func() any {
			return messages.SessionJoinRequest{
				Type:      messages.MsgTypeSessionJoinRequest,
				Timestamp: time.Now(),
				RequestID: 1,
			}
		}).
		Receive(
			FilterByType(messages.MsgTypeSessionJoinResponse),
			FilterByRequestID(1),
		).
		Send(func() any {
			return messages.ExportRequest{
				Type:      messages.MsgTypeExportRequest,
				Timestamp: time.Now(),
				RequestID: 2,
			}
		}).
		Receive(
			FilterByType(messages.MsgTypeExportResponse),
			FilterByRequestID(2),
			func(msg messages.Msg) error {
				var res messages.ExportResponse
				err := msg.DataTo(&res)
				require.NoError(t, err)
				require.NotEmpty(t, res.Path)
				path = res.Path
				return nil
			},
		).
		Run(ctx)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestHandleExportWithoutWorker(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(newMeshsyncTestModule))
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	err := NewScenario(clientA).
		Send(func() any {
			return messages.SessionJoinRequest{
				Type:      messages.MsgTypeSessionJoinRequest,
				Timestamp: time.Now(),
				RequestID: 1,
			}
		}).
		Receive(
			FilterByType(messages.MsgTypeSessionJoinResponse),
			FilterByRequestID(1),
		).
		Send(func() any {
			return messages.ExportRequest{
				Type:      messages.MsgTypeExportRequest,
				Timestamp: time.Now(),
				RequestID: 2,
			}
		}).
		Receive(
			FilterByType(messages.MsgTypeErrorResponse),
			FilterByRequestID(2),
			func(msg messages.Msg) error {
				var res messages.ErrorResponse
				err := msg.DataTo(&res)
				require.NoError(t, err)
				require.Equal(t, messages.ErrorCodeBadRequest, res.Code)
				return nil
			},
		).
		Run(ctx)
	require.NoError(t, err)
}
