package volume

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) *Tree {
	grid, err := NewGrid(DefaultDim, DefaultCellSize)
	require.NoError(t, err)
	return NewTree(grid, DefaultCellFactory(DefaultVoxelsPerCell), DefaultOccupancyThreshold)
}

func TestNewTree(t *testing.T) {
	t.Run("nil factory panics", func(t *testing.T) {
		grid, err := NewGrid(DefaultDim, DefaultCellSize)
		require.NoError(t, err)

		require.Panics(t, func() {
			NewTree(grid, nil, DefaultOccupancyThreshold)
		})
	})

	t.Run("non positive threshold falls back to the default", func(t *testing.T) {
		grid, err := NewGrid(DefaultDim, DefaultCellSize)
		require.NoError(t, err)

		tree := NewTree(grid, DefaultCellFactory(DefaultVoxelsPerCell), 0)
		require.Equal(t, DefaultOccupancyThreshold, tree.OccupancyThreshold())
	})
}

func TestTreeInsert(t *testing.T) {
	t.Run("insert materializes the containing cell", func(t *testing.T) {
		tree := newTestTree(t)

		err := tree.Insert(Vec3{X: 0.5, Y: 0.5, Z: 0.5}, Vec3{X: 0, Y: 0, Z: 1}, 1)
		require.NoError(t, err)
		require.Equal(t, 1, tree.Len())

		key, err := tree.Grid().KeyAt(Vec3{X: 0.5, Y: 0.5, Z: 0.5})
		require.NoError(t, err)

		node, ok := tree.Query(key)
		require.True(t, ok)
		require.Equal(t, Cell{0, 0, 0}, node.Cell())
		require.Equal(t, key, node.Key())
		require.NotZero(t, node.Voxels().OccupiedCount())
	})

	t.Run("points outside the volume are rejected", func(t *testing.T) {
		tree := newTestTree(t)

		err := tree.Insert(Vec3{X: 600, Y: 0, Z: 0}, Vec3{X: 0, Y: 0, Z: 1}, 1)
		require.Error(t, err)
		require.Zero(t, tree.Len())
	})
}

func TestTreeInsertSeamPropagation(t *testing.T) {
	t.Run("a point on the x min face also lands in the x-1 neighbor", func(t *testing.T) {
		tree := newTestTree(t)

		err := tree.Insert(Vec3{X: 1, Y: 0.5, Z: 0.5}, Vec3{X: 0, Y: 0, Z: 1}, 1)
		require.NoError(t, err)
		require.Equal(t, 2, tree.Len())

		key, err := tree.Grid().Hash(Cell{0, 0, 0})
		require.NoError(t, err)

		node, ok := tree.Query(key)
		require.True(t, ok)

		// The replay clamps the point onto the neighbor's max voxel layer.
		require.NotZero(t, node.Voxels().Weight(15, 8, 8))
	})

	t.Run("a corner point replays into all three min neighbors", func(t *testing.T) {
		tree := newTestTree(t)

		err := tree.Insert(Vec3{}, Vec3{X: 0, Y: 0, Z: 1}, 1)
		require.NoError(t, err)
		require.Equal(t, 4, tree.Len())

		for _, c := range []Cell{
			{0, 0, 0},
			{-1, 0, 0},
			{0, -1, 0},
			{0, 0, -1},
		} {
			key, err := tree.Grid().Hash(c)
			require.NoError(t, err)
			_, ok := tree.Query(key)
			require.True(t, ok, "cell %v was not materialized", c)
		}
	})

	t.Run("replays do not cascade into further neighbors", func(t *testing.T) {
		tree := newTestTree(t)

		err := tree.Insert(Vec3{X: 1, Y: 1, Z: 1}, Vec3{X: 0, Y: 0, Z: 1}, 1)
		require.NoError(t, err)
		// The corner cell and its three min neighbors, nothing diagonal.
		require.Equal(t, 4, tree.Len())
	})
}

func TestTreeDrainDirty(t *testing.T) {
	tree := newTestTree(t)

	require.Nil(t, tree.DrainDirty())

	require.NoError(t, tree.Insert(Vec3{X: 0.5, Y: 0.5, Z: 0.5}, Vec3{X: 0, Y: 0, Z: 1}, 1))
	require.NoError(t, tree.Insert(Vec3{X: 0.6, Y: 0.5, Z: 0.5}, Vec3{X: 0, Y: 0, Z: 1}, 1))
	require.NoError(t, tree.Insert(Vec3{X: 1.5, Y: 0.5, Z: 0.5}, Vec3{X: 0, Y: 0, Z: 1}, 1))

	keyA, err := tree.Grid().Hash(Cell{0, 0, 0})
	require.NoError(t, err)
	keyB, err := tree.Grid().Hash(Cell{1, 0, 0})
	require.NoError(t, err)

	drained := tree.DrainDirty()
	require.Equal(t, []int64{keyA, keyB}, drained)

	require.Nil(t, tree.DrainDirty())
}

func TestTreeTraverse(t *testing.T) {
	tree := newTestTree(t)

	points := []Vec3{
		{X: 3.5, Y: 0.5, Z: 0.5},
		{X: -2.5, Y: 0.5, Z: 0.5},
		{X: 0.5, Y: 4.5, Z: 0.5},
		{X: 0.5, Y: 0.5, Z: -6.5},
	}
	for _, p := range points {
		require.NoError(t, tree.Insert(p, Vec3{X: 0, Y: 0, Z: 1}, 1))
	}

	var keys []int64
	for node := range tree.Traverse() {
		keys = append(keys, node.Key())
	}
	require.Len(t, keys, tree.Len())

	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i])
	}
}

func TestTreeClear(t *testing.T) {
	tree := newTestTree(t)

	require.NoError(t, tree.Insert(Vec3{X: 0.5, Y: 0.5, Z: 0.5}, Vec3{X: 0, Y: 0, Z: 1}, 1))
	require.NotZero(t, tree.Len())

	tree.Clear()
	require.Zero(t, tree.Len())
	require.Nil(t, tree.DrainDirty())

	for range tree.Traverse() {
		t.Fatal("cleared tree still yields nodes")
	}

	// The tree stays usable after a clear.
	require.NoError(t, tree.Insert(Vec3{X: 0.5, Y: 0.5, Z: 0.5}, Vec3{X: 0, Y: 0, Z: 1}, 1))
	require.Equal(t, 1, tree.Len())
}

func TestTreeRaycastCells(t *testing.T) {
	tree := newTestTree(t)

	require.NoError(t, tree.Insert(Vec3{X: 0.5, Y: 0.5, Z: 0.5}, Vec3{X: 0, Y: 0, Z: 1}, 1))
	require.NoError(t, tree.Insert(Vec3{X: 1.5, Y: 1.5, Z: 1.5}, Vec3{X: 0, Y: 0, Z: 1}, 1))

	t.Run("segment through two cells reports both", func(t *testing.T) {
		hits := tree.RaycastCells(Vec3{X: 0.5, Y: 0.5, Z: 0.5}, Vec3{X: 1.5, Y: 1.5, Z: 1.5})
		require.Len(t, hits, 2)

		cells := make(map[Cell]struct{})
		for _, h := range hits {
			cells[h.Node.Cell()] = struct{}{}
			require.NotEmpty(t, h.Hits)
		}
		require.Contains(t, cells, Cell{0, 0, 0})
		require.Contains(t, cells, Cell{1, 1, 1})
	})

	t.Run("segment missing every populated cell reports nothing", func(t *testing.T) {
		hits := tree.RaycastCells(Vec3{X: 5.5, Y: 5.5, Z: 5.5}, Vec3{X: 6.5, Y: 5.5, Z: 5.5})
		require.Empty(t, hits)
	})
}

func TestTreeRaycastCellsCornerCrossing(t *testing.T) {
	grid, err := NewGrid(DefaultDim, DefaultCellSize)
	require.NoError(t, err)
	tree := NewTree(grid, DefaultCellFactory(DefaultVoxelsPerCell), DefaultOccupancyThreshold)

	// Populate all 8 cells around the corner at (1,1,1).
	for _, p := range []Vec3{
		{X: 0.5, Y: 0.5, Z: 0.5},
		{X: 1.5, Y: 0.5, Z: 0.5},
		{X: 0.5, Y: 1.5, Z: 0.5},
		{X: 0.5, Y: 0.5, Z: 1.5},
		{X: 1.5, Y: 1.5, Z: 0.5},
		{X: 1.5, Y: 0.5, Z: 1.5},
		{X: 0.5, Y: 1.5, Z: 1.5},
		{X: 1.5, Y: 1.5, Z: 1.5},
	} {
		require.NoError(t, tree.Insert(p, Vec3{X: 0, Y: 0, Z: 1}, 1))
	}

	// The main diagonal crosses the corner exactly; every adjacent cell
	// counts as crossed.
	hits := tree.RaycastCells(Vec3{X: 0.5, Y: 0.5, Z: 0.5}, Vec3{X: 1.5, Y: 1.5, Z: 1.5})

	cells := make(map[Cell]struct{})
	for _, h := range hits {
		cells[h.Node.Cell()] = struct{}{}
	}
	for x := int32(0); x <= 1; x++ {
		for y := int32(0); y <= 1; y++ {
			for z := int32(0); z <= 1; z++ {
				require.Contains(t, cells, Cell{x, y, z})
			}
		}
	}
}

func TestTreeTwoMeterCubeReconstruction(t *testing.T) {
	tree := newTestTree(t)
	rng := rand.New(rand.NewSource(7))

	// 10k points inside a 2m cube centered on the origin, kept off the cube's
	// own outer faces so only the 8 octant cells get populated.
	for i := 0; i < 10000; i++ {
		p := Vec3{
			X: rng.Float32()*1.8 - 0.9,
			Y: rng.Float32()*1.8 - 0.9,
			Z: rng.Float32()*1.8 - 0.9,
		}
		require.NoError(t, tree.Insert(p, Vec3{X: 0, Y: 0, Z: 1}, 1))
	}

	require.Equal(t, 8, tree.Len())
	for node := range tree.Traverse() {
		cell := node.Cell()
		require.Contains(t, []int32{-1, 0}, cell.X)
		require.Contains(t, []int32{-1, 0}, cell.Y)
		require.Contains(t, []int32{-1, 0}, cell.Z)
	}

	// The main diagonal crosses the shared corner at the origin and reports
	// every octant cell.
	hits := tree.RaycastCells(Vec3{X: -0.9, Y: -0.9, Z: -0.9}, Vec3{X: 0.9, Y: 0.9, Z: 0.9})
	require.Len(t, hits, 8)

	cells := make(map[Cell]struct{})
	for _, h := range hits {
		cells[h.Node.Cell()] = struct{}{}
	}
	for _, x := range []int32{-1, 0} {
		for _, y := range []int32{-1, 0} {
			for _, z := range []int32{-1, 0} {
				require.Contains(t, cells, Cell{x, y, z})
			}
		}
	}
}

func TestTreeInsertRandomPoints(t *testing.T) {
	tree := newTestTree(t)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 10000; i++ {
		p := Vec3{
			X: rng.Float32()*16 - 8,
			Y: rng.Float32()*16 - 8,
			Z: rng.Float32()*16 - 8,
		}
		require.NoError(t, tree.Insert(p, Vec3{X: 0, Y: 0, Z: 1}, 1))
	}

	seen := make(map[int64]struct{})
	for node := range tree.Traverse() {
		_, dup := seen[node.Key()]
		require.False(t, dup)
		seen[node.Key()] = struct{}{}

		require.Equal(t, node.Cell(), tree.Grid().Unhash(node.Key()))
	}
	require.Equal(t, tree.Len(), len(seen))
}
