package volume

import (
	"iter"

	"github.com/chewxy/math32"
)

// raycastEpsilon nudges grid-plane crossings off the boundary so a crossing
// that lands exactly on a cell face still resolves to the entered cell.
const raycastEpsilon = float32(1e-4)

// DefaultOccupancyThreshold is the accumulated weight at which a voxel is
// considered part of the reconstructed surface.
const DefaultOccupancyThreshold = float32(1)

// CellFactory materializes the voxel buffer for a newly inserted cell.
type CellFactory func(cell Cell, origin Vec3, cellSize float32) *VoxelGrid

// DefaultCellFactory returns a factory producing voxel grids with the given
// per-axis subdivision.
func DefaultCellFactory(voxelsPerAxis int32) CellFactory {
	return func(cell Cell, origin Vec3, cellSize float32) *VoxelGrid {
		return NewVoxelGrid(cell, origin, cellSize, voxelsPerAxis)
	}
}

// Node is one populated cell of the spatial hash tree.
type Node struct {
	key  int64
	cell Cell
	grid *VoxelGrid

	left  *Node
	right *Node
}

func (n *Node) Key() int64 {
	return n.key
}

func (n *Node) Cell() Cell {
	return n.cell
}

func (n *Node) Voxels() *VoxelGrid {
	return n.grid
}

// CellHit is one populated cell crossed by a raycast, with the centers of the
// occupied voxels the segment passes through.
type CellHit struct {
	Node *Node
	Hits []Vec3
}

// Tree maps integer cell keys to their voxel buffers. Nodes are linked as an
// unbalanced binary search tree for ordered traversal, and additionally owned
// by a key map so lookups and the seam-replay inserts are O(1) regardless of
// insertion order.
type Tree struct {
	grid      *Grid
	factory   CellFactory
	threshold float32

	root  *Node
	nodes map[int64]*Node

	dirty      map[int64]struct{}
	dirtyOrder []int64
}

// NewTree creates an empty spatial hash tree. A nil factory is a fatal
// precondition: silently losing depth samples is worse than crashing.
func NewTree(g *Grid, factory CellFactory, occupancyThreshold float32) *Tree {
	if factory == nil {
		panic("volume: cell factory is nil")
	}
	if occupancyThreshold <= 0 {
		occupancyThreshold = DefaultOccupancyThreshold
	}
	return &Tree{
		grid:      g,
		factory:   factory,
		threshold: occupancyThreshold,
		nodes:     make(map[int64]*Node),
		dirty:     make(map[int64]struct{}),
	}
}

func (t *Tree) Grid() *Grid {
	return t.grid
}

func (t *Tree) OccupancyThreshold() float32 {
	return t.threshold
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

// Query returns the node holding the given key.
func (t *Tree) Query(key int64) (*Node, bool) {
	n, ok := t.nodes[key]
	return n, ok
}

// Insert accumulates a weighted depth sample into the cell containing the
// point. When the sample lands on a cell's minimum-boundary face, it is
// replayed into the -1 neighbor cell along each boundary axis so the seam is
// visible to both adjacent cells. Each replay descends from the tree root.
//
// Points outside the supported volume are rejected.
func (t *Tree) Insert(p Vec3, ray Vec3, weight float32) error {
	cell, err := t.grid.CellAt(p)
	if err != nil {
		return err
	}
	key, err := t.grid.Hash(cell)
	if err != nil {
		return err
	}

	boundary := t.insertAt(key, cell, p, ray, weight)

	for _, axis := range []struct {
		bit     uint8
		dx, dy, dz int32
	}{
		{BoundaryX, -1, 0, 0},
		{BoundaryY, 0, -1, 0},
		{BoundaryZ, 0, 0, -1},
	} {
		if boundary&axis.bit == 0 {
			continue
		}
		neighbor := cell.Offset(axis.dx, axis.dy, axis.dz)
		neighborKey, err := t.grid.Hash(neighbor)
		if err != nil {
			// The neighbor falls off the edge of the supported volume.
			continue
		}
		t.insertAt(neighborKey, neighbor, p, ray, weight)
	}
	return nil
}

func (t *Tree) insertAt(key int64, cell Cell, p Vec3, ray Vec3, weight float32) uint8 {
	node, ok := t.nodes[key]
	if !ok {
		node = t.materialize(key, cell)
	}
	boundary := node.grid.Insert(p, ray, weight)
	t.markDirty(key)
	return boundary
}

func (t *Tree) materialize(key int64, cell Cell) *Node {
	grid := t.factory(cell, t.grid.Origin(cell), t.grid.CellSize())
	if grid == nil {
		panic("volume: cell factory returned a nil voxel grid")
	}

	node := &Node{
		key:  key,
		cell: cell,
		grid: grid,
	}
	t.nodes[key] = node

	if t.root == nil {
		t.root = node
		return node
	}
	cur := t.root
	for {
		if key < cur.key {
			if cur.left == nil {
				cur.left = node
				return node
			}
			cur = cur.left
		} else {
			if cur.right == nil {
				cur.right = node
				return node
			}
			cur = cur.right
		}
	}
}

// Clear recursively releases every node and its voxel buffer. Safe on an
// empty tree.
func (t *Tree) Clear() {
	clearSubtree(t.root)
	t.root = nil
	t.nodes = make(map[int64]*Node)
	t.dirty = make(map[int64]struct{})
	t.dirtyOrder = nil
}

func clearSubtree(n *Node) {
	if n == nil {
		return
	}
	clearSubtree(n.left)
	clearSubtree(n.right)
	n.grid.Clear()
	n.left = nil
	n.right = nil
}

// Traverse yields the nodes in ascending key order. The sequence is finite,
// restartable, and does not mutate the tree.
func (t *Tree) Traverse() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		inorder(t.root, yield)
	}
}

func inorder(n *Node, yield func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !inorder(n.left, yield) {
		return false
	}
	if !yield(n) {
		return false
	}
	return inorder(n.right, yield)
}

// RaycastCells returns every populated cell the segment passes through,
// together with the occupied voxels it crosses inside each cell. Cells are
// found by stepping the grid-plane crossings of the segment on all three
// axes; the result is deduplicated but not ordered along the segment.
func (t *Tree) RaycastCells(start, end Vec3) []CellHit {
	dir := Sub(end, start)
	cellSize := t.grid.CellSize()

	keys := make(map[int64]struct{})
	ordered := make([]int64, 0, 8)

	// A crossing that sits within epsilon of a cell face belongs to the cells
	// on both sides; a corner crossing expands to every adjacent cell.
	collect := func(p Vec3) {
		candidates := func(v float32) []int32 {
			lo := int32(math32.Floor((v - raycastEpsilon) / cellSize))
			hi := int32(math32.Floor((v + raycastEpsilon) / cellSize))
			if lo == hi {
				return []int32{lo}
			}
			return []int32{lo, hi}
		}
		for _, x := range candidates(p.X) {
			for _, y := range candidates(p.Y) {
				for _, z := range candidates(p.Z) {
					key, err := t.grid.Hash(Cell{x, y, z})
					if err != nil {
						continue
					}
					if _, ok := keys[key]; ok {
						continue
					}
					keys[key] = struct{}{}
					ordered = append(ordered, key)
				}
			}
		}
	}

	collect(start)
	collect(end)

	axes := [3]struct {
		from, delta float32
	}{
		{start.X, dir.X},
		{start.Y, dir.Y},
		{start.Z, dir.Z},
	}
	for _, axis := range axes {
		if axis.delta == 0 {
			continue
		}
		lo := math32.Min(axis.from, axis.from+axis.delta)
		hi := math32.Max(axis.from, axis.from+axis.delta)

		first := math32.Ceil(lo/cellSize) * cellSize
		for plane := first; plane <= hi; plane += cellSize {
			tt := (plane - axis.from) / axis.delta
			if tt < 0 || tt > 1 {
				continue
			}
			collect(Add(start, Mul(dir, tt)))
		}
	}

	hits := make([]CellHit, 0, len(ordered))
	for _, key := range ordered {
		node, ok := t.Query(key)
		if !ok {
			continue
		}
		hits = append(hits, CellHit{
			Node: node,
			Hits: node.grid.SegmentHits(start, end, t.threshold),
		})
	}
	return hits
}

// DrainDirty returns the cells touched by inserts since the last drain, in
// first-touch order.
func (t *Tree) DrainDirty() []int64 {
	if len(t.dirtyOrder) == 0 {
		return nil
	}
	drained := t.dirtyOrder
	t.dirty = make(map[int64]struct{})
	t.dirtyOrder = nil
	return drained
}

func (t *Tree) markDirty(key int64) {
	if _, ok := t.dirty[key]; ok {
		return
	}
	t.dirty[key] = struct{}{}
	t.dirtyOrder = append(t.dirtyOrder, key)
}
