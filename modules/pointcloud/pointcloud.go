// Package pointcloud ingests raw depth samples into a session's volume and
// serves raycast queries against it.
package pointcloud

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/densemesh/densemesh/meshcache"
	"github.com/densemesh/densemesh/messages"
	"github.com/densemesh/densemesh/models"
	"github.com/densemesh/densemesh/volume"
)

type Module struct {
	currentSession     *models.Session
	currentParticipant *models.Participant
	state              *State
}

func (m *Module) Name() string {
	return "pointcloud"
}

func (m *Module) Init(s *models.Session, p *models.Participant) {
	m.currentSession = s
	m.currentParticipant = p

	state, ok := s.ModuleState(m.Name())
	if !ok {
		state = &State{}
		s.SetModuleState(m.Name(), state)
	}
	m.state = state.(*State)

	// The flush handler lives for the whole session, not for a single
	// connection. The session ticker stopping is what ends it.
	m.state.registerOnce.Do(func() {
		s.HandleFrame(func() {
			flushSamples(s, m.state)
		})
	})
}

func (m *Module) HandleMsg(ctx context.Context, respond messages.ResponseSender, msg messages.Msg) error {
	switch msg.Type {
	case messages.MsgTypeDepthSamples:
		return m.handleDepthSamples(ctx, respond, msg)

	case messages.MsgTypeRaycastRequest:
		return m.handleRaycast(ctx, respond, msg)

	default:
		return messages.ErrModuleMsgSkip
	}
}

func (m *Module) HandleDisconnect() {
	// The volume is shared session state and survives the participant.
}

func (m *Module) handleDepthSamples(ctx context.Context, respond messages.ResponseSender, msg messages.Msg) error {
	var req messages.DepthSamples
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if m.currentSession == nil {
		return errors.New("session not joined").
			WithType(messages.ErrTypeSessionNotJoined).
			WithTag("msg_type", msg.Type)
	}

	if len(req.Samples) == 0 {
		return nil
	}

	m.state.buffer(req.Samples)
	instrumentDepthSamples(len(req.Samples))
	return nil
}

func (m *Module) handleRaycast(ctx context.Context, respond messages.ResponseSender, msg messages.Msg) error {
	var req messages.RaycastRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	session := m.currentSession
	if session == nil {
		return errors.New("session not joined").
			WithType(messages.ErrTypeSessionNotJoined).
			WithTag("msg_type", msg.Type)
	}

	var hits []volume.CellHit
	session.WithVolume(func(tree *volume.Tree, _ *meshcache.Cache) {
		hits = tree.RaycastCells(req.From, req.To)
	})
	instrumentRaycast()

	cells := make([]messages.RaycastCellHit, len(hits))
	for i, hit := range hits {
		cells[i] = messages.RaycastCellHit{
			Cell: hit.Node.Cell(),
			Hits: hit.Hits,
		}
	}

	respond.Send(messages.RaycastResponse{
		Type:      messages.MsgTypeRaycastResponse,
		Timestamp: time.Now(),
		RequestID: req.RequestID,
		Cells:     cells,
	})
	return nil
}

// flushSamples drains the pending sample buffer into the tree and hands the
// touched cells to the mesh cache.
func flushSamples(s *models.Session, state *State) {
	samples := state.drain()
	if len(samples) == 0 {
		return
	}

	s.WithVolume(func(tree *volume.Tree, cache *meshcache.Cache) {
		var rejected int
		for _, sample := range samples {
			if err := tree.Insert(sample.Point, sample.Ray, sample.Weight); err != nil {
				rejected++
			}
		}
		if rejected != 0 {
			instrumentRejectedSamples(rejected)
			logs.WithTag("session_uuid", s.SessionUUID).
				WithTag("rejected", rejected).
				Debug("dropped depth samples outside the supported volume")
		}

		if keys := tree.DrainDirty(); len(keys) != 0 {
			cache.MarkDirty(keys)
		}
	})
}
