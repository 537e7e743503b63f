package volume

import (
	"github.com/chewxy/math32"
)

// Axis bits reported by VoxelGrid.Insert when an inserted point lands on the
// minimum-boundary voxel layer of its cell.
const (
	BoundaryX = uint8(1 << 0)
	BoundaryY = uint8(1 << 1)
	BoundaryZ = uint8(1 << 2)
)

// DefaultVoxelsPerCell is the default voxel subdivision per cell axis.
const DefaultVoxelsPerCell = 16

// rayNeighborScale is the share of a sample's weight credited to the voxel
// one step further along the observation ray.
const rayNeighborScale = float32(0.5)

// boundaryEpsilon is the distance from a cell's minimum face within which an
// inserted point counts as sitting on the seam.
const boundaryEpsilon = float32(1e-5)

// VoxelGrid is the per-cell voxel buffer. It subdivides one cell into n³
// voxels and accumulates confidence weights from depth samples.
type VoxelGrid struct {
	cell      Cell
	origin    Vec3
	voxelSize float32
	n         int32

	weights  []float32
	occupied int
}

func NewVoxelGrid(cell Cell, origin Vec3, cellSize float32, voxelsPerAxis int32) *VoxelGrid {
	if voxelsPerAxis <= 0 {
		voxelsPerAxis = DefaultVoxelsPerCell
	}
	return &VoxelGrid{
		cell:      cell,
		origin:    origin,
		voxelSize: cellSize / float32(voxelsPerAxis),
		n:         voxelsPerAxis,
		weights:   make([]float32, voxelsPerAxis*voxelsPerAxis*voxelsPerAxis),
	}
}

func (g *VoxelGrid) Cell() Cell {
	return g.cell
}

func (g *VoxelGrid) VoxelsPerAxis() int32 {
	return g.n
}

func (g *VoxelGrid) OccupiedCount() int {
	return g.occupied
}

// Insert accumulates a weighted depth sample into the voxel containing the
// point and, with a reduced share, into the voxel one step further along the
// observation ray. The returned bitmask flags every axis on which the point
// landed on this cell's minimum-boundary face; the caller is expected
// to replay such points into the -1 neighbor cells so geometry near a seam is
// visible to both sides.
//
// Points outside the cell are clamped onto its closest voxel layer. This is
// how neighbor replays land on the seam layer of the adjacent cell without
// triggering another round of propagation.
func (g *VoxelGrid) Insert(p Vec3, ray Vec3, weight float32) uint8 {
	local := Sub(p, g.origin)

	i := g.clampIndex(math32.Floor(local.X / g.voxelSize))
	j := g.clampIndex(math32.Floor(local.Y / g.voxelSize))
	k := g.clampIndex(math32.Floor(local.Z / g.voxelSize))

	g.accumulate(i, j, k, weight)

	// Credit the voxel the ray continues into, when it stays inside the cell.
	step := Mul(Normalized(ray), g.voxelSize)
	next := Sub(Add(p, step), g.origin)
	ni := int32(math32.Floor(next.X / g.voxelSize))
	nj := int32(math32.Floor(next.Y / g.voxelSize))
	nk := int32(math32.Floor(next.Z / g.voxelSize))
	if g.inBounds(ni, nj, nk) && (ni != i || nj != j || nk != k) {
		g.accumulate(ni, nj, nk, weight*rayNeighborScale)
	}

	var boundary uint8
	if math32.Abs(local.X) <= boundaryEpsilon {
		boundary |= BoundaryX
	}
	if math32.Abs(local.Y) <= boundaryEpsilon {
		boundary |= BoundaryY
	}
	if math32.Abs(local.Z) <= boundaryEpsilon {
		boundary |= BoundaryZ
	}
	return boundary
}

// Weight returns the accumulated weight of the voxel at the given indices.
func (g *VoxelGrid) Weight(i, j, k int32) float32 {
	if !g.inBounds(i, j, k) {
		return 0
	}
	return g.weights[g.flatten(i, j, k)]
}

// Occupied reports whether the voxel's accumulated weight reaches the given
// occupancy threshold.
func (g *VoxelGrid) Occupied(i, j, k int32, threshold float32) bool {
	return g.Weight(i, j, k) >= threshold
}

// Center returns the session-space center of the voxel at the given indices.
func (g *VoxelGrid) Center(i, j, k int32) Vec3 {
	half := g.voxelSize / 2
	return Add(g.origin, Vec3{
		X: float32(i)*g.voxelSize + half,
		Y: float32(j)*g.voxelSize + half,
		Z: float32(k)*g.voxelSize + half,
	})
}

// SegmentHits collects the centers of occupied voxels the segment passes
// through inside this cell. The segment is sampled at half-voxel steps; the
// result is deduplicated and ordered by sampling position.
func (g *VoxelGrid) SegmentHits(from, to Vec3, threshold float32) []Vec3 {
	dir := Sub(to, from)
	length := dir.Length()
	if length == 0 {
		return nil
	}

	step := g.voxelSize / 2
	steps := int(length/step) + 1
	unit := Mul(dir, 1/length)

	var hits []Vec3
	seen := make(map[int32]struct{})

	for s := 0; s <= steps; s++ {
		d := float32(s) * step
		if d > length {
			d = length
		}
		local := Sub(Add(from, Mul(unit, d)), g.origin)

		i := int32(math32.Floor(local.X / g.voxelSize))
		j := int32(math32.Floor(local.Y / g.voxelSize))
		k := int32(math32.Floor(local.Z / g.voxelSize))
		if !g.inBounds(i, j, k) {
			continue
		}
		flat := g.flatten(i, j, k)
		if _, ok := seen[flat]; ok {
			continue
		}
		seen[flat] = struct{}{}

		if g.weights[flat] >= threshold {
			hits = append(hits, g.Center(i, j, k))
		}
	}
	return hits
}

// Clear resets every voxel weight.
func (g *VoxelGrid) Clear() {
	for i := range g.weights {
		g.weights[i] = 0
	}
	g.occupied = 0
}

func (g *VoxelGrid) accumulate(i, j, k int32, weight float32) {
	flat := g.flatten(i, j, k)
	if g.weights[flat] == 0 && weight > 0 {
		g.occupied++
	}
	g.weights[flat] += weight
}

func (g *VoxelGrid) clampIndex(v float32) int32 {
	i := int32(v)
	if i < 0 {
		return 0
	}
	if i >= g.n {
		return g.n - 1
	}
	return i
}

func (g *VoxelGrid) inBounds(i, j, k int32) bool {
	return i >= 0 && i < g.n &&
		j >= 0 && j < g.n &&
		k >= 0 && k < g.n
}

func (g *VoxelGrid) flatten(i, j, k int32) int32 {
	return i + g.n*(j+g.n*k)
}
