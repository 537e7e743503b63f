package export

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/densemesh/densemesh/meshcache"
	"github.com/densemesh/densemesh/messages"
)

// Job is one export request: the geometry snapshotted at request time and
// the responder waiting for the resulting path.
type Job struct {
	SessionUUID string
	RequestID   uint32
	Respond     messages.ResponseSender
	Meshes      []CellMesh
	Stats       meshcache.Stats
}

type Handler struct {
	Dir  string
	Jobs chan Job // buffered
}

// HandleExports consumes export jobs until the context is done. Jobs are
// written off the session frame loop so a slow disk never stalls frames.
func (h Handler) HandleExports(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-h.Jobs:
				start := time.Now()
				path, err := h.write(job)
				if err != nil {
					instrumentExportError(err)
					logs.Warn(errors.New("export failed").
						WithTag("session_uuid", job.SessionUUID).
						Wrap(err))
					continue
				}
				instrumentExport(time.Since(start))

				if job.Respond != nil {
					job.Respond.Send(messages.ExportResponse{
						Type:      messages.MsgTypeExportResponse,
						Timestamp: time.Now(),
						RequestID: job.RequestID,
						Path:      path,
					})
				}
			}
		}
	}()
}

func (h Handler) write(job Job) (string, error) {
	stamp := time.Now().UTC().Format("20060102T150405")
	base := fmt.Sprintf("%s_%s", job.SessionUUID, stamp)

	objPath := filepath.Join(h.Dir, base+".obj")
	if err := WriteOBJFile(objPath, job.SessionUUID, job.Meshes); err != nil {
		return "", err
	}

	snapPath := filepath.Join(h.Dir, base+".snap.zst")
	err := WriteSnapshot(snapPath, Snapshot{
		Header: Header{
			Version:     snapshotVersion,
			SessionUUID: job.SessionUUID,
			CreatedAt:   time.Now().UTC(),
		},
		Stats:  job.Stats,
		Meshes: job.Meshes,
	})
	if err != nil {
		return "", err
	}

	return objPath, nil
}
