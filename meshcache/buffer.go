package meshcache

import (
	"github.com/densemesh/densemesh/volume"
)

// CellBuffer is the render-side mesh buffer of one cell. Its arrays are
// reused across refreshes and only reallocated when the extractor reports
// insufficient space, so steady-state refreshes allocate nothing.
type CellBuffer struct {
	key  int64
	cell volume.Cell

	vertices []volume.Vec3
	colors   []volume.Color
	indices  []int32

	nVertices  int
	nTriangles int

	needsGrowth  bool
	observations int
	dirMask      uint8
	completed    bool
}

func newCellBuffer(key int64, cell volume.Cell, vertexCapacity, triangleCapacity int) *CellBuffer {
	return &CellBuffer{
		key:      key,
		cell:     cell,
		vertices: make([]volume.Vec3, vertexCapacity),
		colors:   make([]volume.Color, vertexCapacity),
		indices:  make([]int32, triangleCapacity*3),
	}
}

func (b *CellBuffer) Key() int64 {
	return b.key
}

func (b *CellBuffer) Cell() volume.Cell {
	return b.cell
}

// Vertices returns the vertex positions written by the last refresh.
func (b *CellBuffer) Vertices() []volume.Vec3 {
	return b.vertices[:b.nVertices]
}

// Colors returns the vertex colors written by the last refresh.
func (b *CellBuffer) Colors() []volume.Color {
	return b.colors[:b.nVertices]
}

// Indices returns the full index buffer. Slots beyond the written triangles
// are kept zeroed so the render target's reused fixed-capacity mesh never
// shows stale geometry.
func (b *CellBuffer) Indices() []int32 {
	return b.indices
}

func (b *CellBuffer) VertexCount() int {
	return b.nVertices
}

func (b *CellBuffer) TriangleCount() int {
	return b.nTriangles
}

func (b *CellBuffer) VertexCapacity() int {
	return len(b.vertices)
}

func (b *CellBuffer) TriangleCapacity() int {
	return len(b.indices) / 3
}

func (b *CellBuffer) Observations() int {
	return b.observations
}

func (b *CellBuffer) DirectionMask() uint8 {
	return b.dirMask
}

// Completed reports whether the cell reached its terminal state and is
// excluded from further refreshes.
func (b *CellBuffer) Completed() bool {
	return b.completed
}

func (b *CellBuffer) NeedsGrowth() bool {
	return b.needsGrowth
}

// grow reallocates the buffers at the given factor of their current capacity.
// The triangle capacity is rounded down to keep the index buffer a multiple
// of 3.
func (b *CellBuffer) grow(factor float64) {
	if factor <= 1 {
		factor = DefaultGrowthFactor
	}

	vertexCapacity := int(float64(len(b.vertices)) * factor)
	if vertexCapacity <= len(b.vertices) {
		vertexCapacity = len(b.vertices) + 1
	}
	triangleCapacity := int(float64(len(b.indices)) * factor / 3)
	if triangleCapacity*3 <= len(b.indices) {
		triangleCapacity = len(b.indices)/3 + 1
	}

	b.vertices = make([]volume.Vec3, vertexCapacity)
	b.colors = make([]volume.Color, vertexCapacity)
	b.indices = make([]int32, triangleCapacity*3)
	b.nVertices = 0
	b.nTriangles = 0
}

// setWritten records a successful extraction and zeroes the trailing index
// slots, leaving only degenerate triangles past the written range.
func (b *CellBuffer) setWritten(nVertices, nTriangles int) {
	b.nVertices = nVertices
	b.nTriangles = nTriangles
	for i := nTriangles * 3; i < len(b.indices); i++ {
		b.indices[i] = 0
	}
}
