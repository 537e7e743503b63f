// Package smoketest drives a reconstruction round trip against a running
// server: join a session, push depth samples and wait for the resulting mesh
// update broadcast.
package smoketest

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	densehttp "github.com/densemesh/densemesh/http"
	"github.com/densemesh/densemesh/messages"
	"github.com/densemesh/densemesh/volume"
	dwebsocket "github.com/densemesh/densemesh/websocket"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const defaultTimeout = time.Second * 10

type Request struct {
	Endpoint string        `json:"endpoint"`
	AppKey   string        `json:"app_key,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

type Results struct {
	Endpoint      string    `json:"endpoint"`
	SessionID     string    `json:"session_id,omitempty"`
	SessionUUID   string    `json:"session_uuid,omitempty"`
	JoinLatencyMS float64   `json:"join_latency_ms"`
	MeshLatencyMS float64   `json:"mesh_latency_ms"`
	MeshReceived  bool      `json:"mesh_received"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Options struct {
	Endpoint   string
	AppKey     string
	Timeout    time.Duration
	SendResult func(context.Context, Results) error
}

type testCtxKey string

var testCtxKeyValue testCtxKey = "test-context"

type testContext struct {
	context.Context
	Cancel func()
}

// HandleSmokeTest runs a smoke test against the endpoint named in the
// request body and reports the results through opts.SendResult.
func HandleSmokeTest(ctx context.Context, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			densehttp.InternalServerError(w, errors.New("reading body failed").Wrap(err))
			return
		}

		var req Request
		if err := json.Unmarshal(b, &req); err != nil {
			densehttp.BadRequest(w, densehttp.ErrBadRequest)
			return
		}

		if req.Endpoint == "" {
			req.Endpoint = opts.Endpoint
		}
		if req.AppKey == "" {
			req.AppKey = opts.AppKey
		}
		if req.Timeout == 0 {
			req.Timeout = opts.Timeout
		}

		go func() {
			defer func() {
				// if context is of testContext
				// cancel context on exit to signal function exited
				// this is used for testing
				if tctx := ctx.Value(testCtxKeyValue); tctx != nil {
					testCtx := tctx.(testContext)
					if testCtx.Cancel != nil {
						testCtx.Cancel()
					}
				}
			}()

			res, err := Run(ctx, req)
			if err != nil {
				logs.Warn(err)
			}

			if opts.SendResult == nil {
				return
			}
			if err := opts.SendResult(ctx, res); err != nil {
				logs.WithTag("endpoint", req.Endpoint).
					Warn(errors.New("sending smoke test result failed").Wrap(err))
			}
		}()

		w.WriteHeader(http.StatusOK)
	}
}

// Run joins a session on the given endpoint, pushes a depth sample and waits
// for the mesh update broadcast it produces.
func Run(ctx context.Context, req Request) (Results, error) {
	res := Results{
		Endpoint:  req.Endpoint,
		CreatedAt: time.Now(),
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	config, err := websocket.NewConfig(toWebsocketEndpoint(req.Endpoint), "http://localhost")
	if err != nil {
		res.Error = err.Error()
		return res, errors.New("initializing web socket failed").Wrap(err)
	}
	config.Header.Set(densehttp.HeaderClientID, uuid.NewString())
	if req.AppKey != "" {
		config.Header.Set(densehttp.HeaderAppKey, req.AppKey)
	}

	conn, err := websocket.DialConfig(config)
	if err != nil {
		res.Error = err.Error()
		return res, errors.New("dialing web socket failed").Wrap(err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	joinStart := time.Now()
	if err := send(conn, messages.SessionJoinRequest{
		Type:      messages.MsgTypeSessionJoinRequest,
		Timestamp: time.Now(),
		RequestID: 1,
	}); err != nil {
		res.Error = err.Error()
		return res, err
	}

	if err := receive(ctx, conn, messages.MsgTypeSessionJoinResponse, func(msg messages.Msg) error {
		var join messages.SessionJoinResponse
		if err := msg.DataTo(&join); err != nil {
			return err
		}
		res.SessionID = join.SessionID
		res.SessionUUID = join.SessionUUID
		return nil
	}); err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.JoinLatencyMS = float64(time.Since(joinStart).Microseconds()) / 1000

	meshStart := time.Now()
	if err := send(conn, messages.DepthSamples{
		Type:      messages.MsgTypeDepthSamples,
		Timestamp: time.Now(),
		Samples: []messages.DepthSample{
			{
				Point:  volume.Vec3{X: 0.5, Y: 0.5, Z: 0.5},
				Ray:    volume.Vec3{X: 0.5, Y: 0.5, Z: 2},
				Weight: 1,
			},
		},
	}); err != nil {
		res.Error = err.Error()
		return res, err
	}

	if err := receive(ctx, conn, messages.MsgTypeMeshUpdateBroadcast, nil); err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.MeshLatencyMS = float64(time.Since(meshStart).Microseconds()) / 1000
	res.MeshReceived = true

	return res, nil
}

func send(conn *websocket.Conn, v any) error {
	msg, err := messages.MsgFrom(v)
	if err != nil {
		return errors.New("encoding smoke test message failed").Wrap(err)
	}
	if _, err := dwebsocket.Send(conn, msg); err != nil {
		return errors.New("sending smoke test message failed").Wrap(err)
	}
	return nil
}

func receive(ctx context.Context, conn *websocket.Conn, msgType messages.MsgType, handle func(messages.Msg) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, _, err := dwebsocket.Receive(conn)
		if err != nil {
			return errors.New("receiving smoke test message failed").
				WithTag("msg_type", msgType).
				Wrap(err)
		}
		if msg.Type != msgType {
			continue
		}

		if handle != nil {
			return handle(msg)
		}
		return nil
	}
}

func toWebsocketEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")

	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")

	default:
		return endpoint
	}
}
