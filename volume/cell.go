package volume

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/chewxy/math32"
)

const (
	// DefaultDim is the default number of addressable cells per axis.
	DefaultDim = 1024

	// DefaultCellSize is the default edge length of a cell in meters.
	DefaultCellSize = float32(1)
)

// Cell identifies one cubic region of session space by its integer grid
// coordinates. Coordinates can be negative: the supported range per axis is
// [-dim/2, dim/2).
type Cell struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	Z int32 `json:"z"`
}

func (c Cell) Offset(dx, dy, dz int32) Cell {
	return Cell{c.X + dx, c.Y + dy, c.Z + dz}
}

// Grid maps between session-space positions, cells and packed integer keys.
//
// A key packs the three cell coordinates into a single integer with a fixed
// radix: key = fold(x) + dim*fold(y) + dim²*fold(z), where fold wraps
// negative coordinates into the upper half of [0, dim). The packing is
// exactly invertible for every cell within the supported range.
type Grid struct {
	dim      int64
	cellSize float32
}

func NewGrid(dim int32, cellSize float32) (*Grid, error) {
	if dim < 2 || dim%2 != 0 {
		return nil, errors.New("grid dimension must be a positive even number").
			WithTag("dim", dim)
	}
	if cellSize <= 0 {
		return nil, errors.New("cell size must be positive").
			WithTag("cell_size", cellSize)
	}
	return &Grid{
		dim:      int64(dim),
		cellSize: cellSize,
	}, nil
}

func (g *Grid) Dim() int32 {
	return int32(g.dim)
}

func (g *Grid) CellSize() float32 {
	return g.cellSize
}

// Contains reports whether the cell is inside the supported volume.
func (g *Grid) Contains(c Cell) bool {
	half := int32(g.dim / 2)
	return c.X >= -half && c.X < half &&
		c.Y >= -half && c.Y < half &&
		c.Z >= -half && c.Z < half
}

// Hash packs a cell into its integer key. Cells outside the supported volume
// are rejected: letting them through would silently alias to a wrong cell.
func (g *Grid) Hash(c Cell) (int64, error) {
	if !g.Contains(c) {
		return 0, errors.New("cell is outside the supported volume").
			WithTag("cell_x", c.X).
			WithTag("cell_y", c.Y).
			WithTag("cell_z", c.Z).
			WithTag("dim", g.dim)
	}
	return g.fold(c.X) + g.dim*g.fold(c.Y) + g.dim*g.dim*g.fold(c.Z), nil
}

// Unhash unpacks a key produced by Hash back into its cell.
func (g *Grid) Unhash(key int64) Cell {
	x := g.unfold(key % g.dim)
	key /= g.dim
	y := g.unfold(key % g.dim)
	key /= g.dim
	z := g.unfold(key % g.dim)
	return Cell{x, y, z}
}

func (g *Grid) fold(v int32) int64 {
	if v < 0 {
		return int64(v) + g.dim
	}
	return int64(v)
}

func (g *Grid) unfold(v int64) int32 {
	if v >= g.dim/2 {
		return int32(v - g.dim)
	}
	return int32(v)
}

// CellAt returns the cell containing the given position.
func (g *Grid) CellAt(p Vec3) (Cell, error) {
	c := Cell{
		X: int32(math32.Floor(p.X / g.cellSize)),
		Y: int32(math32.Floor(p.Y / g.cellSize)),
		Z: int32(math32.Floor(p.Z / g.cellSize)),
	}
	if !g.Contains(c) {
		return Cell{}, errors.New("position is outside the supported volume").
			WithTag("x", p.X).
			WithTag("y", p.Y).
			WithTag("z", p.Z)
	}
	return c, nil
}

// KeyAt returns the key of the cell containing the given position.
func (g *Grid) KeyAt(p Vec3) (int64, error) {
	c, err := g.CellAt(p)
	if err != nil {
		return 0, err
	}
	return g.Hash(c)
}

// Origin returns the minimum corner of the cell in session space.
func (g *Grid) Origin(c Cell) Vec3 {
	return Vec3{
		X: float32(c.X) * g.cellSize,
		Y: float32(c.Y) * g.cellSize,
		Z: float32(c.Z) * g.cellSize,
	}
}
