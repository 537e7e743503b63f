// Package export writes session meshes to disk, as Wavefront OBJ for
// external tooling and as compressed snapshots for archival.
package export

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/densemesh/densemesh/meshcache"
	"github.com/densemesh/densemesh/volume"
	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"
)

// CellMesh is the exported geometry of one cell.
type CellMesh struct {
	Cell      volume.Cell    `json:"cell"`
	Vertices  []volume.Vec3  `json:"vertices"`
	Colors    []volume.Color `json:"colors,omitempty"`
	Indices   []int32        `json:"indices"`
	Triangles int            `json:"triangles"`
}

type Header struct {
	Version     int       `json:"version"`
	SessionUUID string    `json:"session_uuid"`
	CreatedAt   time.Time `json:"created_at"`
}

// Snapshot is the archival form of a session's reconstructed surface.
type Snapshot struct {
	Header Header `json:"header"`

	Stats  meshcache.Stats `json:"stats"`
	Meshes []CellMesh      `json:"meshes"`
}

const snapshotVersion = 1

// WriteSnapshot writes a zstd-compressed snapshot: a JSON header line
// followed by the JSON-encoded snapshot body.
func WriteSnapshot(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New("creating snapshot directory failed").Wrap(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.New("creating snapshot file failed").Wrap(err)
	}
	defer f.Close()

	return WriteSnapshotTo(f, snap)
}

// WriteSnapshotTo writes the compressed snapshot to w.
func WriteSnapshotTo(w io.Writer, snap Snapshot) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return errors.New("creating snapshot compressor failed").Wrap(err)
	}

	bw := bufio.NewWriterSize(enc, 256*1024)

	if err := writeSnapshotBody(bw, snap); err != nil {
		enc.Close()
		return err
	}

	// A flush or close failure means a truncated snapshot on disk; it must
	// not be reported as a successful export.
	if err := bw.Flush(); err != nil {
		enc.Close()
		return errors.New("flushing snapshot failed").Wrap(err)
	}
	if err := enc.Close(); err != nil {
		return errors.New("closing snapshot compressor failed").Wrap(err)
	}
	return nil
}

func writeSnapshotBody(bw *bufio.Writer, snap Snapshot) error {
	hb, err := json.Marshal(snap.Header)
	if err != nil {
		return errors.New("encoding snapshot header failed").Wrap(err)
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := json.NewEncoder(bw).Encode(&snap); err != nil {
		return errors.New("encoding snapshot failed").Wrap(err)
	}
	return nil
}

// ReadSnapshot reads back a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, errors.New("opening snapshot file failed").Wrap(err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, errors.New("creating snapshot decompressor failed").Wrap(err)
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Skip the header line, the body repeats it.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, errors.New("reading snapshot header failed").Wrap(err)
	}

	if err := json.NewDecoder(br).Decode(&snap); err != nil {
		return snap, errors.New("decoding snapshot failed").Wrap(err)
	}
	return snap, nil
}
