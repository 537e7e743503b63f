// Package engine defines the boundary contract between the mesh cache and
// the reconstruction engine that owns ground-truth geometry.
package engine

import (
	"github.com/densemesh/densemesh/volume"
)

// Status is the outcome of a per-cell mesh extraction.
type Status int

const (
	// StatusSuccess means the cell geometry was written into the provided
	// buffers.
	StatusSuccess Status = iota

	// StatusInsufficientSpace means the provided buffers are too small. Any
	// partially written data is not authoritative and must be discarded.
	StatusInsufficientSpace

	// StatusFailure means the extraction failed for this cell this tick. The
	// cell is retried the next time it is marked dirty.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInsufficientSpace:
		return "insufficient_space"
	case StatusFailure:
		return "failure"
	}
	return "unknown"
}

// Extractor extracts the render-ready surface of a single cell into
// pre-allocated buffers.
//
// On StatusSuccess the returned counts report how many vertices and triangles
// were written; they never exceed the buffer capacities. Color output is
// optional: a nil colors slice disables it.
type Extractor interface {
	ExtractCell(key int64, vertices []volume.Vec3, colors []volume.Color, indices []int32) (Status, int, int)
}
