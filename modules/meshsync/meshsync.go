// Package meshsync keeps connected clients' meshes in sync with a session's
// volume: it schedules dirty cells into the mesh cache, broadcasts refreshed
// geometry, and serves cache statistics and exports.
package meshsync

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/densemesh/densemesh/export"
	"github.com/densemesh/densemesh/featureflag"
	"github.com/densemesh/densemesh/meshcache"
	"github.com/densemesh/densemesh/messages"
	"github.com/densemesh/densemesh/models"
	"github.com/densemesh/densemesh/store"
	"github.com/densemesh/densemesh/volume"
)

type Module struct {
	// Exports receives export jobs, consumed by an export.Handler. Nil
	// disables exports.
	Exports chan export.Job

	// Store persists completion metadata across restarts. Nil disables
	// persistence.
	Store *store.CompletionStore

	FeatureFlags featureflag.FeatureFlag

	currentSession     *models.Session
	currentParticipant *models.Participant
	state              *State
}

func (m *Module) Name() string {
	return "meshsync"
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

	completions := m.Store
	m.FeatureFlags.IfSet(featureflag.FlagDisableCompletionPersistence, func() {
		completions = nil
	})

	if completions != nil {
		m.state.restoreOnce.Do(func() {
			m.restoreCompletions(s)
		})
	}

	m.state.registerOnce.Do(func() {
		s.WithVolume(func(_ *volume.Tree, cache *meshcache.Cache) {
			cache.SetRenderer(&broadcaster{session: s, flags: m.FeatureFlags})
		})

		state := m.state
		s.HandleFrame(func() {
			updateCache(s, state, completions)
		})
	})
}

func (m *Module) HandleMsg(ctx context.Context, respond messages.ResponseSender, msg messages.Msg) error {
	switch msg.Type {
	case messages.MsgTypeDirtyCells:
		return m.handleDirtyCells(ctx, respond, msg)

	case messages.MsgTypeCacheStatsRequest:
		return m.handleCacheStats(ctx, respond, msg)

	case messages.MsgTypeExportRequest:
		return m.handleExport(ctx, respond, msg)

	default:
		return messages.ErrModuleMsgSkip
	}
}

func (m *Module) HandleDisconnect() {
	// The mesh cache is shared session state and survives the participant.
}

func (m *Module) handleDirtyCells(ctx context.Context, respond messages.ResponseSender, msg messages.Msg) error {
	var req messages.DirtyCells
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	session := m.currentSession
	if session == nil {
		return errors.New("session not joined").
			WithType(messages.ErrTypeSessionNotJoined).
			WithTag("msg_type", msg.Type)
	}

	if req.Forward.Length() != 0 {
		m.state.setForward(req.Forward)
	}

	session.WithVolume(func(tree *volume.Tree, cache *meshcache.Cache) {
		grid := tree.Grid()

		keys := make([]int64, 0, len(req.Cells))
		var skipped int
		for _, cell := range req.Cells {
			key, err := grid.Hash(cell)
			if err != nil {
				skipped++
				continue
			}
			keys = append(keys, key)
		}
		if skipped != 0 {
			logs.WithTag("session_uuid", session.SessionUUID).
				WithTag("skipped", skipped).
				Debug("dropped dirty cells outside the supported volume")
		}

		if len(keys) != 0 {
			cache.MarkDirty(keys)
		}
	})
	return nil
}

func (m *Module) handleCacheStats(ctx context.Context, respond messages.ResponseSender, msg messages.Msg) error {
	var req messages.CacheStatsRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	session := m.currentSession
	if session == nil {
		return errors.New("session not joined").
			WithType(messages.ErrTypeSessionNotJoined).
			WithTag("msg_type", msg.Type)
	}

	var stats meshcache.Stats
	session.WithVolume(func(_ *volume.Tree, cache *meshcache.Cache) {
		stats = cache.Stats()
	})

	respond.Send(messages.CacheStatsResponse{
		Type:      messages.MsgTypeCacheStatsResponse,
		Timestamp: time.Now(),
		RequestID: req.RequestID,
		Stats:     stats,
	})
	return nil
}

func (m *Module) handleExport(ctx context.Context, respond messages.ResponseSender, msg messages.Msg) error {
	var req messages.ExportRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	session := m.currentSession
	if session == nil {
		return errors.New("session not joined").
			WithType(messages.ErrTypeSessionNotJoined).
			WithTag("msg_type", msg.Type)
	}

	if m.Exports == nil {
		respond.Send(messages.ErrorResponse{
			Type:      messages.MsgTypeErrorResponse,
			Timestamp: time.Now(),
			RequestID: req.RequestID,
			Code:      messages.ErrorCodeBadRequest,
		})
		return nil
	}

	job := export.Job{
		SessionUUID: session.SessionUUID,
		RequestID:   req.RequestID,
		Respond:     respond,
	}
	session.WithVolume(func(_ *volume.Tree, cache *meshcache.Cache) {
		job.Stats = cache.Stats()
		cache.Buffers(func(buf *meshcache.CellBuffer) bool {
			if buf.TriangleCount() == 0 {
				return true
			}
			job.Meshes = append(job.Meshes, export.CellMesh{
				Cell:      buf.Cell(),
				Vertices:  append([]volume.Vec3(nil), buf.Vertices()...),
				Colors:    append([]volume.Color(nil), buf.Colors()...),
				Indices:   append([]int32(nil), buf.Indices()[:buf.TriangleCount()*3]...),
				Triangles: buf.TriangleCount(),
			})
			return true
		})
	})

	select {
	case m.Exports <- job:
	default:
		respond.Send(messages.ErrorResponse{
			Type:      messages.MsgTypeErrorResponse,
			Timestamp: time.Now(),
			RequestID: req.RequestID,
			Code:      messages.ErrorCodeTooManyRequests,
		})
	}
	return nil
}

func (m *Module) restoreCompletions(s *models.Session) {
	records, err := m.Store.Completions(context.Background(), s.AppKey)
	if err != nil {
		logs.Warn(errors.New("restoring completions failed").
			WithTag("session_uuid", s.SessionUUID).
			Wrap(err))
		return
	}
	if len(records) == 0 {
		return
	}

	s.WithVolume(func(_ *volume.Tree, cache *meshcache.Cache) {
		for _, rec := range records {
			cache.RestoreObservations(rec.CellKey, rec.Observations, rec.DirectionMask, rec.Completed)
		}
	})
	for _, rec := range records {
		if rec.Completed {
			m.state.markSaved(rec.CellKey)
		}
	}

	logs.WithTag("session_uuid", s.SessionUUID).
		WithTag("cells", len(records)).
		Info("restored persisted completion metadata")
}

// updateCache runs the budgeted cache refresh on every session frame and
// persists freshly completed cells.
func updateCache(s *models.Session, state *State, completions *store.CompletionStore) {
	var toSave []store.CompletionRecord

	s.WithVolume(func(_ *volume.Tree, cache *meshcache.Cache) {
		cache.Update(state.viewerForward())

		if completions == nil {
			return
		}
		cache.Buffers(func(buf *meshcache.CellBuffer) bool {
			if buf.Completed() {
				toSave = append(toSave, store.CompletionRecord{
					CellKey:       buf.Key(),
					Observations:  buf.Observations(),
					DirectionMask: buf.DirectionMask(),
					Completed:     true,
				})
			}
			return true
		})
	})

	// Disk writes happen outside the volume lock.
	for _, rec := range toSave {
		if state.markSaved(rec.CellKey) {
			continue
		}
		if err := completions.Save(context.Background(), s.AppKey, rec); err != nil {
			logs.Warn(errors.New("persisting completion failed").
				WithTag("session_uuid", s.SessionUUID).
				Wrap(err))
		}
	}
}

// broadcaster fans refreshed cell geometry out to every session participant.
type broadcaster struct {
	session *models.Session
	flags   featureflag.FeatureFlag
}

func (b *broadcaster) UpdateCell(buf *meshcache.CellBuffer) {
	b.flags.IfNotSet(featureflag.FlagDisableMeshUpdateBroadcast, func() {
		// Buffers are reused across refreshes, senders encode asynchronously.
		b.session.Broadcast(nil, messages.MeshUpdateBroadcast{
			Type:      messages.MsgTypeMeshUpdateBroadcast,
			Timestamp: time.Now(),
			Cell:      buf.Cell(),
			Vertices:  append([]volume.Vec3(nil), buf.Vertices()...),
			Colors:    append([]volume.Color(nil), buf.Colors()...),
			Indices:   append([]int32(nil), buf.Indices()[:buf.TriangleCount()*3]...),
			Triangles: buf.TriangleCount(),
		})
	})
}
