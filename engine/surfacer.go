package engine

import (
	"github.com/densemesh/densemesh/volume"
)

// faces enumerates the 6 voxel faces with their neighbor offset and the 4
// corner offsets (in voxel units) of the emitted quad, wound counterclockwise
// as seen from outside the voxel.
var faces = [6]struct {
	di, dj, dk int32
	corners    [4][3]float32
}{
	{1, 0, 0, [4][3]float32{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}}},   // +X
	{-1, 0, 0, [4][3]float32{{0, 0, 1}, {0, 1, 1}, {0, 1, 0}, {0, 0, 0}}},  // -X
	{0, 1, 0, [4][3]float32{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}}},   // +Y
	{0, -1, 0, [4][3]float32{{0, 0, 1}, {0, 0, 0}, {1, 0, 0}, {1, 0, 1}}},  // -Y
	{0, 0, 1, [4][3]float32{{1, 0, 1}, {1, 1, 1}, {0, 1, 1}, {0, 0, 1}}},   // +Z
	{0, 0, -1, [4][3]float32{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}}},  // -Z
}

// VoxelSurfacer is an in-process Extractor over a spatial hash tree. It emits
// a quad for every occupied-voxel face whose neighbor voxel is empty, which
// is enough to exercise the full refresh pipeline without a vendor
// reconstruction engine.
type VoxelSurfacer struct {
	Tree *volume.Tree
}

func (s *VoxelSurfacer) ExtractCell(key int64, vertices []volume.Vec3, colors []volume.Color, indices []int32) (Status, int, int) {
	if s.Tree == nil {
		return StatusFailure, 0, 0
	}

	node, ok := s.Tree.Query(key)
	if !ok {
		// Nothing reconstructed here yet; an empty mesh is a valid surface.
		return StatusSuccess, 0, 0
	}

	grid := node.Voxels()
	threshold := s.Tree.OccupancyThreshold()
	n := grid.VoxelsPerAxis()
	voxelSize := s.Tree.Grid().CellSize() / float32(n)
	origin := s.Tree.Grid().Origin(node.Cell())

	var nVertices, nIndices int
	for k := int32(0); k < n; k++ {
		for j := int32(0); j < n; j++ {
			for i := int32(0); i < n; i++ {
				if !grid.Occupied(i, j, k, threshold) {
					continue
				}
				shade := voxelShade(grid.Weight(i, j, k), threshold)

				for _, face := range faces {
					if grid.Occupied(i+face.di, j+face.dj, k+face.dk, threshold) {
						continue
					}
					if nVertices+4 > len(vertices) || nIndices+6 > len(indices) {
						return StatusInsufficientSpace, 0, 0
					}

					base := int32(nVertices)
					for c, corner := range face.corners {
						vertices[nVertices+c] = volume.Vec3{
							X: origin.X + (float32(i)+corner[0])*voxelSize,
							Y: origin.Y + (float32(j)+corner[1])*voxelSize,
							Z: origin.Z + (float32(k)+corner[2])*voxelSize,
						}
						if colors != nil {
							colors[nVertices+c] = shade
						}
					}
					indices[nIndices+0] = base
					indices[nIndices+1] = base + 1
					indices[nIndices+2] = base + 2
					indices[nIndices+3] = base
					indices[nIndices+4] = base + 2
					indices[nIndices+5] = base + 3

					nVertices += 4
					nIndices += 6
				}
			}
		}
	}

	return StatusSuccess, nVertices, nIndices / 3
}

// voxelShade maps accumulated confidence to a gray vertex color: barely
// confirmed voxels render dark, repeatedly observed ones bright.
func voxelShade(weight, threshold float32) volume.Color {
	v := weight / (threshold * 4)
	if v > 1 {
		v = 1
	}
	gray := uint8(96 + v*159)
	return volume.Color{R: gray, G: gray, B: gray, A: 255}
}
