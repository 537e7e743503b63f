package meshcache

import (
	"testing"
	"time"

	"github.com/densemesh/densemesh/engine"
	"github.com/densemesh/densemesh/volume"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	calls   []int64
	extract func(key int64, vertices []volume.Vec3, colors []volume.Color, indices []int32) (engine.Status, int, int)
}

func (e *stubExtractor) ExtractCell(key int64, vertices []volume.Vec3, colors []volume.Color, indices []int32) (engine.Status, int, int) {
	e.calls = append(e.calls, key)
	if e.extract == nil {
		return engine.StatusSuccess, 0, 0
	}
	return e.extract(key, vertices, colors, indices)
}

type stubRenderer struct {
	updated []int64
}

func (r *stubRenderer) UpdateCell(b *CellBuffer) {
	r.updated = append(r.updated, b.Key())
}

func newTestGrid(t *testing.T) *volume.Grid {
	grid, err := volume.NewGrid(volume.DefaultDim, volume.DefaultCellSize)
	require.NoError(t, err)
	return grid
}

func testKeys(t *testing.T, grid *volume.Grid, cells ...volume.Cell) []int64 {
	keys := make([]int64, 0, len(cells))
	for _, c := range cells {
		key, err := grid.Hash(c)
		require.NoError(t, err)
		keys = append(keys, key)
	}
	return keys
}

// writeTriangles returns an extractor writing the given geometry and
// filling the written index slots with non-zero values.
func writeTriangles(nVertices, nTriangles int) func(int64, []volume.Vec3, []volume.Color, []int32) (engine.Status, int, int) {
	return func(_ int64, vertices []volume.Vec3, _ []volume.Color, indices []int32) (engine.Status, int, int) {
		if nVertices > len(vertices) || nTriangles*3 > len(indices) {
			return engine.StatusInsufficientSpace, 0, 0
		}
		for i := 0; i < nTriangles*3; i++ {
			indices[i] = 1
		}
		return engine.StatusSuccess, nVertices, nTriangles
	}
}

func TestCacheUpdate(t *testing.T) {
	grid := newTestGrid(t)
	extractor := &stubExtractor{extract: writeTriangles(3, 1)}
	renderer := &stubRenderer{}
	cache := New(grid, extractor, renderer, Config{})

	keys := testKeys(t, grid, volume.Cell{X: 0}, volume.Cell{X: 1})
	cache.MarkDirty(keys)
	cache.Update(volume.Vec3{X: 1})

	require.Equal(t, keys, extractor.calls)
	require.Equal(t, keys, renderer.updated)

	stats := cache.Stats()
	require.Equal(t, 2, stats.Refreshes)
	require.Equal(t, 2, stats.CellCount)
	require.Zero(t, stats.QueueLength)
	require.Zero(t, stats.BacklogLength)

	buf, ok := cache.Buffer(keys[0])
	require.True(t, ok)
	require.Equal(t, 3, buf.VertexCount())
	require.Equal(t, 1, buf.TriangleCount())
	require.Len(t, buf.Vertices(), 3)
	require.Len(t, buf.Colors(), 3)
}

func TestCacheUpdateBudget(t *testing.T) {
	grid := newTestGrid(t)
	extractor := &stubExtractor{}
	cache := New(grid, extractor, nil, Config{Budget: time.Millisecond * 5})

	// Every clock read advances 4ms: the budget check passes for the first
	// cell and fails before the second.
	var reads int
	base := time.Now()
	cache.now = func() time.Time {
		reads++
		return base.Add(time.Duration(reads) * 4 * time.Millisecond)
	}

	keys := testKeys(t, grid, volume.Cell{X: 0}, volume.Cell{X: 1}, volume.Cell{X: 2})
	cache.MarkDirty(keys)
	cache.Update(volume.Vec3{})

	require.Equal(t, keys[:1], extractor.calls)
	require.Equal(t, 2, cache.Stats().QueueLength)

	// The unreached remainder is carried, not lost: a tick with a relaxed
	// clock refreshes it.
	cache.now = time.Now
	cache.Update(volume.Vec3{})

	require.Equal(t, keys, extractor.calls)
	require.Zero(t, cache.Stats().QueueLength)
	require.Zero(t, cache.Stats().BacklogLength)
}

func TestCacheMarkDirty(t *testing.T) {
	t.Run("duplicate keys are scheduled once", func(t *testing.T) {
		grid := newTestGrid(t)
		cache := New(grid, &stubExtractor{}, nil, Config{})

		keys := testKeys(t, grid, volume.Cell{X: 0}, volume.Cell{X: 0}, volume.Cell{X: 1})
		cache.MarkDirty(keys)
		require.Equal(t, 2, cache.Stats().QueueLength)
	})

	t.Run("the undrained queue moves to the backlog", func(t *testing.T) {
		grid := newTestGrid(t)
		extractor := &stubExtractor{}
		cache := New(grid, extractor, nil, Config{})

		keys := testKeys(t, grid,
			volume.Cell{X: 0},
			volume.Cell{X: 1},
			volume.Cell{X: 2},
		)
		cache.MarkDirty(keys[:2])
		cache.MarkDirty(keys[2:])

		require.Equal(t, 1, cache.Stats().QueueLength)
		require.Equal(t, 2, cache.Stats().BacklogLength)

		// The fresh queue is refreshed first, then the backlog drains with
		// the leftover budget. No dirty key is lost.
		cache.Update(volume.Vec3{})

		require.Len(t, extractor.calls, 3)
		require.Equal(t, keys[2], extractor.calls[0])
		require.ElementsMatch(t, keys, extractor.calls)
		require.Zero(t, cache.Stats().BacklogLength)
	})

	t.Run("rescheduling a backlog key does not refresh it twice", func(t *testing.T) {
		grid := newTestGrid(t)
		extractor := &stubExtractor{}
		cache := New(grid, extractor, nil, Config{})

		keys := testKeys(t, grid, volume.Cell{X: 0})
		cache.MarkDirty(keys)
		cache.MarkDirty(keys)

		cache.Update(volume.Vec3{})
		require.Len(t, extractor.calls, 1)
	})
}

func TestCacheInsufficientSpaceDiscardsPartialWrite(t *testing.T) {
	grid := newTestGrid(t)

	// First call succeeds, the second stomps the index buffer before
	// reporting insufficient space.
	var calls int
	extractor := &stubExtractor{extract: func(_ int64, _ []volume.Vec3, _ []volume.Color, indices []int32) (engine.Status, int, int) {
		calls++
		if calls == 1 {
			for i := 0; i < 6; i++ {
				indices[i] = 7
			}
			return engine.StatusSuccess, 3, 2
		}
		for i := range indices {
			indices[i] = 9
		}
		return engine.StatusInsufficientSpace, 0, 0
	}}
	cache := New(grid, extractor, nil, Config{})

	keys := testKeys(t, grid, volume.Cell{X: 0})
	cache.MarkDirty(keys)
	cache.Update(volume.Vec3{})

	buf, ok := cache.Buffer(keys[0])
	require.True(t, ok)
	require.Equal(t, 2, buf.TriangleCount())
	require.Equal(t, int32(7), buf.Indices()[0])

	// The stomped write is not served as authoritative.
	cache.MarkDirty(keys)
	cache.Update(volume.Vec3{})

	require.True(t, buf.NeedsGrowth())
	require.Zero(t, buf.VertexCount())
	require.Zero(t, buf.TriangleCount())
	for _, i := range buf.Indices() {
		require.Zero(t, i)
	}
}

func TestCacheGrowth(t *testing.T) {
	grid := newTestGrid(t)

	// 30 vertices and 14 triangles overflow the initial capacities.
	extractor := &stubExtractor{extract: writeTriangles(30, 14)}
	renderer := &stubRenderer{}
	cache := New(grid, extractor, renderer, Config{
		VertexCapacity:   16,
		TriangleCapacity: 8,
		GrowthFactor:     2,
	})

	keys := testKeys(t, grid, volume.Cell{X: 0})
	cache.MarkDirty(keys)
	cache.Update(volume.Vec3{})

	// The partial write is not kept and nothing is rendered yet.
	buf, ok := cache.Buffer(keys[0])
	require.True(t, ok)
	require.True(t, buf.NeedsGrowth())
	require.Zero(t, buf.TriangleCount())
	require.Empty(t, renderer.updated)
	require.Zero(t, cache.Stats().Growths)
	require.Equal(t, 1, cache.Stats().QueueLength)

	// The next tick grows the buffers and retries.
	cache.Update(volume.Vec3{})

	require.Equal(t, 1, cache.Stats().Growths)
	require.Equal(t, 1, cache.Stats().Refreshes)
	require.Equal(t, 32, buf.VertexCapacity())
	require.Equal(t, 16, buf.TriangleCapacity())
	require.Zero(t, len(buf.Indices())%3)
	require.Equal(t, 30, buf.VertexCount())
	require.Equal(t, 14, buf.TriangleCount())
	require.Equal(t, keys, renderer.updated)
}

func TestCacheTrailingIndicesZeroed(t *testing.T) {
	grid := newTestGrid(t)
	extractor := &stubExtractor{extract: writeTriangles(6, 2)}
	cache := New(grid, extractor, nil, Config{})

	keys := testKeys(t, grid, volume.Cell{X: 0})
	cache.MarkDirty(keys)
	cache.Update(volume.Vec3{})

	// Shrink the next extraction: the stale triangle must be zeroed.
	extractor.extract = writeTriangles(3, 1)
	cache.MarkDirty(keys)
	cache.Update(volume.Vec3{})

	buf, ok := cache.Buffer(keys[0])
	require.True(t, ok)
	require.Equal(t, 1, buf.TriangleCount())

	indices := buf.Indices()
	for i := 3; i < len(indices); i++ {
		require.Zero(t, indices[i], "index slot %d is stale", i)
	}
}

func TestCacheFailureIsolation(t *testing.T) {
	grid := newTestGrid(t)
	keys := testKeys(t, grid, volume.Cell{X: 0}, volume.Cell{X: 1})

	extractor := &stubExtractor{
		extract: func(key int64, vertices []volume.Vec3, colors []volume.Color, indices []int32) (engine.Status, int, int) {
			if key == keys[0] {
				return engine.StatusFailure, 0, 0
			}
			return writeTriangles(3, 1)(key, vertices, colors, indices)
		},
	}
	renderer := &stubRenderer{}
	cache := New(grid, extractor, renderer, Config{})

	cache.MarkDirty(keys)
	cache.Update(volume.Vec3{})

	// The failing cell is skipped, the rest of the tick proceeds.
	require.Equal(t, keys, extractor.calls)
	require.Equal(t, []int64{keys[1]}, renderer.updated)
	require.Equal(t, 1, cache.Stats().Refreshes)

	failed, ok := cache.Buffer(keys[0])
	require.True(t, ok)
	require.Zero(t, failed.TriangleCount())
}

func TestCacheSelectiveCompletion(t *testing.T) {
	grid := newTestGrid(t)
	extractor := &stubExtractor{extract: writeTriangles(3, 1)}
	cache := New(grid, extractor, nil, Config{
		SelectiveCompletion: true,
		Completion: CompletionConfig{
			ObservationThreshold: 1,
			Patterns: []Pattern{
				{Name: "pair", Offsets: []Offset{{DX: 1}}},
			},
		},
	})

	keys := testKeys(t, grid, volume.Cell{X: 0}, volume.Cell{X: 1})

	// One refresh from each horizontal quadrant.
	for _, forward := range []volume.Vec3{
		{X: 1},
		{X: -1},
		{Z: 1},
		{Z: -1},
	} {
		cache.MarkDirty(keys)
		cache.Update(forward)
	}

	buf, ok := cache.Buffer(keys[0])
	require.True(t, ok)
	require.True(t, buf.Completed())
	require.Equal(t, allDirections, buf.DirectionMask())
	require.NotZero(t, cache.Stats().Completed)

	// Completion is terminal: further dirty notifications do not refresh.
	calls := len(extractor.calls)
	cache.MarkDirty(keys[:1])
	cache.Update(volume.Vec3{X: 1})
	require.Equal(t, calls, len(extractor.calls))

	// Clear resets the terminal state.
	cache.Clear()
	cache.MarkDirty(keys[:1])
	cache.Update(volume.Vec3{X: 1})
	require.Equal(t, calls+1, len(extractor.calls))
}

func TestCacheCompletionRequiresPattern(t *testing.T) {
	grid := newTestGrid(t)
	extractor := &stubExtractor{extract: writeTriangles(3, 1)}
	cache := New(grid, extractor, nil, Config{
		SelectiveCompletion: true,
		Completion: CompletionConfig{
			ObservationThreshold: 1,
			Patterns: []Pattern{
				{Name: "pair", Offsets: []Offset{{DX: 1}}},
			},
		},
	})

	// All 4 quadrants observed, but the neighbor the pattern needs is never
	// refreshed.
	keys := testKeys(t, grid, volume.Cell{X: 0})
	for _, forward := range []volume.Vec3{
		{X: 1},
		{X: -1},
		{Z: 1},
		{Z: -1},
	} {
		cache.MarkDirty(keys)
		cache.Update(forward)
	}

	buf, ok := cache.Buffer(keys[0])
	require.True(t, ok)
	require.False(t, buf.Completed())
}

func TestCacheRestoreObservations(t *testing.T) {
	grid := newTestGrid(t)
	extractor := &stubExtractor{}
	cache := New(grid, extractor, nil, Config{SelectiveCompletion: true})

	keys := testKeys(t, grid, volume.Cell{X: 3})
	cache.RestoreObservations(keys[0], 5, allDirections, true)

	buf, ok := cache.Buffer(keys[0])
	require.True(t, ok)
	require.Equal(t, 5, buf.Observations())
	require.Equal(t, allDirections, buf.DirectionMask())
	require.True(t, buf.Completed())
	require.Equal(t, 1, cache.Stats().Completed)

	// Restored completion keeps the cell out of the refresh pipeline.
	cache.MarkDirty(keys)
	cache.Update(volume.Vec3{})
	require.Empty(t, extractor.calls)
}

func TestCacheClear(t *testing.T) {
	grid := newTestGrid(t)
	cache := New(grid, &stubExtractor{}, nil, Config{})

	cache.MarkDirty(testKeys(t, grid, volume.Cell{X: 0}, volume.Cell{X: 1}))
	cache.Update(volume.Vec3{})
	require.NotZero(t, cache.Stats().CellCount)

	cache.Clear()
	stats := cache.Stats()
	require.Zero(t, stats.CellCount)
	require.Zero(t, stats.QueueLength)
	require.Zero(t, stats.BacklogLength)
	require.Zero(t, stats.Refreshes)
}
