package meshcache

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/densemesh/densemesh/engine"
	"github.com/densemesh/densemesh/volume"
)

const (
	// DefaultBudget bounds the wall-clock time one Update tick may spend
	// refreshing cells.
	DefaultBudget = 5 * time.Millisecond

	// DefaultVertexCapacity is the initial per-cell vertex buffer capacity.
	DefaultVertexCapacity = 512

	// DefaultTriangleCapacity is the initial per-cell triangle capacity.
	DefaultTriangleCapacity = 256

	// DefaultGrowthFactor is applied to a cell's buffer capacities after the
	// extractor reports insufficient space.
	DefaultGrowthFactor = 1.5
)

// Config tunes a Cache.
type Config struct {
	// The per-tick refresh time budget.
	Budget time.Duration

	// Initial buffer capacities for newly seen cells.
	VertexCapacity   int
	TriangleCapacity int

	// Buffer capacity multiplier applied on growth.
	GrowthFactor float64

	// Enables the selective-completion heuristic: cells observed from all 4
	// horizontal quadrants whose neighborhood matches a completion pattern
	// stop being refreshed.
	SelectiveCompletion bool
	Completion          CompletionConfig
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.VertexCapacity <= 0 {
		c.VertexCapacity = DefaultVertexCapacity
	}
	if c.TriangleCapacity <= 0 {
		c.TriangleCapacity = DefaultTriangleCapacity
	}
	if c.GrowthFactor <= 1 {
		c.GrowthFactor = DefaultGrowthFactor
	}
	c.Completion = c.Completion.withDefaults()
	return c
}

// Renderer receives the refreshed geometry of a cell. Implementations own
// the GPU-visible (or wire-visible) representation.
type Renderer interface {
	UpdateCell(b *CellBuffer)
}

// Stats is a snapshot of the cache's introspection counters.
type Stats struct {
	QueueLength   int `json:"queue_length"`
	BacklogLength int `json:"backlog_length"`
	CellCount     int `json:"cell_count"`
	Completed     int `json:"completed"`
	Refreshes     int `json:"refreshes"`
	Growths       int `json:"growths"`
}

// Cache keeps every cell's mesh buffer synchronized with the reconstruction
// engine under a fixed per-tick time budget.
//
// Dirty cells are processed from two tiers: the primary queue holds the
// latest dirty list in arrival order and is always walked first, keeping the
// mesh responsive to where the device is currently scanning; the backlog
// holds everything that could not be processed in time and is drained
// best-effort with the leftover budget. A dirty cell is never dropped: it is
// always in the queue, in the backlog, or refreshed.
//
// A Cache is not safe for concurrent use. The embedding is expected to drive
// it from a single frame loop.
type Cache struct {
	grid      *volume.Grid
	extractor engine.Extractor
	renderer  Renderer
	cfg       Config

	// Stubbed in tests to drive the budget deterministically.
	now func() time.Time

	buffers map[int64]*CellBuffer
	queue   []int64
	regrow  []int64
	backlog map[int64]struct{}

	stats Stats
}

// New creates a cache over the given grid and extractor. The renderer may be
// nil.
func New(grid *volume.Grid, extractor engine.Extractor, renderer Renderer, cfg Config) *Cache {
	return &Cache{
		grid:      grid,
		extractor: extractor,
		renderer:  renderer,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		buffers:   make(map[int64]*CellBuffer),
		backlog:   make(map[int64]struct{}),
	}
}

// SetRenderer installs the renderer receiving refreshed cell geometry.
// Intended for embeddings that create the cache before its consumer exists.
func (c *Cache) SetRenderer(r Renderer) {
	c.renderer = r
}

// MarkDirty installs a freshly delivered dirty list as the primary queue.
// Whatever the previous queue had not drained is unioned into the backlog,
// trading completeness for responsiveness to the newest notifications.
func (c *Cache) MarkDirty(keys []int64) {
	for _, key := range c.queue {
		c.backlog[key] = struct{}{}
	}

	queue := make([]int64, 0, len(keys))
	seen := make(map[int64]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		queue = append(queue, key)

		// The key is now scheduled; holding it in the backlog as well would
		// refresh it twice.
		delete(c.backlog, key)
	}
	c.queue = queue
}

// Update is the per-frame tick. It refreshes queued cells in arrival order
// until the budget runs out, carries the unreached remainder into the next
// tick's queue, and spends any leftover budget on the backlog. The budget is
// checked before starting each cell; a single cell's extraction is never
// interrupted.
func (c *Cache) Update(forward volume.Vec3) {
	start := c.now()

	walked := 0
	for _, key := range c.queue {
		if c.now().Sub(start) > c.cfg.Budget {
			break
		}
		walked++
		c.refresh(key, forward)
	}

	remaining := c.queue[walked:]
	c.queue = nil

	if len(remaining) == 0 {
		for key := range c.backlog {
			if c.now().Sub(start) > c.cfg.Budget {
				break
			}
			delete(c.backlog, key)
			c.refresh(key, forward)
		}
	}

	// Growth retries are prioritized at the front of the next tick so an
	// undersized cell is not starved behind a long remainder.
	c.queue = append(c.regrow, remaining...)
	c.regrow = nil

	instrumentCacheQueues(len(c.queue), len(c.backlog))
}

func (c *Cache) refresh(key int64, forward volume.Vec3) {
	buf, ok := c.buffers[key]
	if !ok {
		buf = newCellBuffer(key, c.grid.Unhash(key), c.cfg.VertexCapacity, c.cfg.TriangleCapacity)
		c.buffers[key] = buf
	}

	// Completion is terminal: the cell is out of the refresh pipeline until
	// an explicit Clear.
	if buf.completed {
		return
	}

	if buf.needsGrowth {
		buf.grow(c.cfg.GrowthFactor)
		buf.needsGrowth = false
		c.stats.Growths++
		instrumentCacheGrowth()
	}

	status, nVertices, nTriangles := c.extractor.ExtractCell(key, buf.vertices, buf.colors, buf.indices)
	instrumentCacheRefresh(status)

	switch status {
	case engine.StatusInsufficientSpace:
		// The partial write stomped the buffers and is not authoritative.
		// Drop it before anyone reads the buffer, then grow and retry on the
		// next tick; retrying now would blow the budget contract.
		buf.setWritten(0, 0)
		buf.needsGrowth = true
		c.regrow = append(c.regrow, key)
		return

	case engine.StatusFailure:
		logs.WithTag("cell_key", key).
			WithTag("cell", buf.cell).
			Warn("mesh extraction failed, cell left unrefreshed")
		return
	}

	buf.setWritten(nVertices, nTriangles)
	buf.observations++
	buf.dirMask |= directionBit(forward, c.cfg.Completion.DirectionDotThreshold)
	c.stats.Refreshes++

	if c.renderer != nil {
		c.renderer.UpdateCell(buf)
	}

	if c.cfg.SelectiveCompletion && c.isComplete(buf) {
		buf.completed = true
		c.stats.Completed++
		instrumentCacheCompletion()
	}
}

// isComplete applies the selective-completion heuristic: observed from all 4
// horizontal quadrants, and at least one neighbor pattern has every cell
// present with enough observations.
func (c *Cache) isComplete(buf *CellBuffer) bool {
	if buf.dirMask != allDirections {
		return false
	}

	for _, pattern := range c.cfg.Completion.Patterns {
		if c.patternSatisfied(pattern, buf.cell) {
			return true
		}
	}
	return false
}

func (c *Cache) patternSatisfied(pattern Pattern, cell volume.Cell) bool {
	for _, offset := range pattern.Offsets {
		neighbor := cell.Offset(offset.DX, offset.DY, offset.DZ)
		key, err := c.grid.Hash(neighbor)
		if err != nil {
			return false
		}
		buf, ok := c.buffers[key]
		if !ok || buf.observations < c.cfg.Completion.ObservationThreshold {
			return false
		}
	}
	return true
}

// Buffer returns the buffer of the given cell key.
func (c *Cache) Buffer(key int64) (*CellBuffer, bool) {
	buf, ok := c.buffers[key]
	return buf, ok
}

// Buffers calls visit for every cell buffer until it returns false.
func (c *Cache) Buffers(visit func(*CellBuffer) bool) {
	for _, buf := range c.buffers {
		if !visit(buf) {
			return
		}
	}
}

// RestoreObservations seeds a cell's observation bookkeeping, used when
// resuming a persisted session.
func (c *Cache) RestoreObservations(key int64, observations int, dirMask uint8, completed bool) {
	buf, ok := c.buffers[key]
	if !ok {
		buf = newCellBuffer(key, c.grid.Unhash(key), c.cfg.VertexCapacity, c.cfg.TriangleCapacity)
		c.buffers[key] = buf
	}
	buf.observations = observations
	buf.dirMask = dirMask
	if completed && !buf.completed {
		buf.completed = true
		c.stats.Completed++
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	stats := c.stats
	stats.QueueLength = len(c.queue)
	stats.BacklogLength = len(c.backlog)
	stats.CellCount = len(c.buffers)
	return stats
}

// Clear drops every buffer and all scheduling state, including completed
// flags.
func (c *Cache) Clear() {
	c.buffers = make(map[int64]*CellBuffer)
	c.queue = nil
	c.regrow = nil
	c.backlog = make(map[int64]struct{})
	c.stats = Stats{}
}
