package meshcache

import (
	"github.com/densemesh/densemesh/volume"
)

// Direction bits recording the horizontal quadrants a cell has been observed
// from.
const (
	DirXPos = uint8(1 << 0)
	DirXNeg = uint8(1 << 1)
	DirZPos = uint8(1 << 2)
	DirZNeg = uint8(1 << 3)

	allDirections = DirXPos | DirXNeg | DirZPos | DirZNeg
)

const (
	// DefaultDirectionDotThreshold corresponds to a 45° half-angle: the
	// viewer-forward direction sets a quadrant bit only when it aligns with
	// that quadrant axis within 45°.
	DefaultDirectionDotThreshold = float32(0.70710678)

	// DefaultObservationThreshold is the refresh count a neighbor cell needs
	// before it counts toward a completion pattern.
	DefaultObservationThreshold = 3
)

// CompletionConfig tunes when a thoroughly observed cell stops being
// refreshed. The thresholds are empirical and deployment-specific, which is
// why they are configuration rather than constants.
type CompletionConfig struct {
	ObservationThreshold  int       `yaml:"observation_threshold"`
	DirectionDotThreshold float32   `yaml:"direction_dot_threshold"`
	Patterns              []Pattern `yaml:"patterns,omitempty"`
}

func (c CompletionConfig) withDefaults() CompletionConfig {
	if c.ObservationThreshold <= 0 {
		c.ObservationThreshold = DefaultObservationThreshold
	}
	if c.DirectionDotThreshold <= 0 {
		c.DirectionDotThreshold = DefaultDirectionDotThreshold
	}
	if len(c.Patterns) == 0 {
		c.Patterns = DefaultPatterns()
	}
	return c
}

// Offset is a neighbor cell offset relative to the cell under test.
type Offset struct {
	DX int32 `yaml:"dx"`
	DY int32 `yaml:"dy"`
	DZ int32 `yaml:"dz"`
}

// Pattern is one geometric neighbor configuration that qualifies a cell for
// completion: the cell is surrounded the way a floor, wall or corner would
// surround it, and every named neighbor has been refreshed often enough.
type Pattern struct {
	Name    string   `yaml:"name"`
	Offsets []Offset `yaml:"offsets"`
}

// rotateY rotates an offset a quarter turn around the vertical axis.
func rotateY(o Offset) Offset {
	return Offset{DX: o.DZ, DY: o.DY, DZ: -o.DX}
}

func rotations(name string, offsets []Offset) []Pattern {
	patterns := make([]Pattern, 0, 4)
	for i := 0; i < 4; i++ {
		patterns = append(patterns, Pattern{Name: name, Offsets: offsets})

		rotated := make([]Offset, len(offsets))
		for j, o := range offsets {
			rotated[j] = rotateY(o)
		}
		offsets = rotated
	}
	return patterns
}

// DefaultPatterns returns the built-in neighbor configuration library: floor,
// wall, wall+floor and wall+corner+floor shapes, each in the 4 rotations
// around the vertical axis.
func DefaultPatterns() []Pattern {
	var floor []Offset
	for dx := int32(-1); dx <= 1; dx++ {
		for dz := int32(-1); dz <= 1; dz++ {
			if dx == 0 && dz == 0 {
				continue
			}
			floor = append(floor, Offset{DX: dx, DZ: dz})
		}
	}

	var wall []Offset
	for dx := int32(-1); dx <= 1; dx++ {
		for dy := int32(-1); dy <= 1; dy++ {
			if dx == 0 && dy == 0 {
				continue
			}
			wall = append(wall, Offset{DX: dx, DY: dy})
		}
	}

	wallFloor := append([]Offset{}, wall...)
	for dx := int32(-1); dx <= 1; dx++ {
		wallFloor = append(wallFloor, Offset{DX: dx, DY: -1, DZ: 1})
	}

	wallCornerFloor := append([]Offset{}, wallFloor...)
	for dz := int32(0); dz <= 1; dz++ {
		for dy := int32(-1); dy <= 1; dy++ {
			wallCornerFloor = append(wallCornerFloor, Offset{DX: 1, DY: dy, DZ: dz})
		}
	}

	var patterns []Pattern
	patterns = append(patterns, rotations("floor", floor)...)
	patterns = append(patterns, rotations("wall", wall)...)
	patterns = append(patterns, rotations("wall_floor", wallFloor)...)
	patterns = append(patterns, rotations("wall_corner_floor", wallCornerFloor)...)
	return patterns
}

// directionBit maps the viewer-forward direction, projected onto the
// horizontal plane, to the quadrant axis it most closely aligns with. It
// returns 0 when no axis alignment reaches the dot threshold, including for a
// straight-down view.
func directionBit(forward volume.Vec3, dotThreshold float32) uint8 {
	horizontal := volume.Vec3{X: forward.X, Z: forward.Z}
	if horizontal.Length() == 0 {
		return 0
	}
	horizontal = volume.Normalized(horizontal)

	best := uint8(0)
	bestDot := dotThreshold
	for _, quadrant := range []struct {
		bit  uint8
		axis volume.Vec3
	}{
		{DirXPos, volume.Vec3{X: 1}},
		{DirXNeg, volume.Vec3{X: -1}},
		{DirZPos, volume.Vec3{Z: 1}},
		{DirZNeg, volume.Vec3{Z: -1}},
	} {
		if dot := horizontal.Dot(quadrant.axis); dot >= bestDot {
			best = quadrant.bit
			bestDot = dot
		}
	}
	return best
}
