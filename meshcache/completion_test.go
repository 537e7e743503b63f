package meshcache

import (
	"testing"

	"github.com/densemesh/densemesh/volume"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDirectionBit(t *testing.T) {
	threshold := DefaultDirectionDotThreshold

	t.Run("axis aligned forwards map to their quadrant", func(t *testing.T) {
		require.Equal(t, DirXPos, directionBit(volume.Vec3{X: 1}, threshold))
		require.Equal(t, DirXNeg, directionBit(volume.Vec3{X: -1}, threshold))
		require.Equal(t, DirZPos, directionBit(volume.Vec3{Z: 1}, threshold))
		require.Equal(t, DirZNeg, directionBit(volume.Vec3{Z: -1}, threshold))
	})

	t.Run("the vertical component is projected away", func(t *testing.T) {
		require.Equal(t, DirXPos, directionBit(volume.Vec3{X: 1, Y: -2}, threshold))
	})

	t.Run("a dominant axis wins over a small side component", func(t *testing.T) {
		require.Equal(t, DirZNeg, directionBit(volume.Vec3{X: 0.2, Z: -0.9}, threshold))
	})

	t.Run("a straight down view sets no quadrant", func(t *testing.T) {
		require.Zero(t, directionBit(volume.Vec3{Y: -1}, threshold))
	})

	t.Run("no axis within the threshold sets no quadrant", func(t *testing.T) {
		// 45° between X and Z, with a strict threshold nothing qualifies.
		require.Zero(t, directionBit(volume.Vec3{X: 1, Z: 1}, 0.8))
	})
}

func TestRotateY(t *testing.T) {
	o := Offset{DX: 1, DY: 2, DZ: 3}

	rotated := rotateY(o)
	require.Equal(t, Offset{DX: 3, DY: 2, DZ: -1}, rotated)

	// Four quarter turns are the identity.
	for i := 0; i < 3; i++ {
		rotated = rotateY(rotated)
	}
	require.Equal(t, o, rotated)
}

func TestDefaultPatterns(t *testing.T) {
	patterns := DefaultPatterns()
	require.Len(t, patterns, 16)

	names := make(map[string]int)
	for _, p := range patterns {
		names[p.Name]++
		require.NotEmpty(t, p.Offsets)
	}
	require.Equal(t, map[string]int{
		"floor":             4,
		"wall":              4,
		"wall_floor":        4,
		"wall_corner_floor": 4,
	}, names)

	// A floor pattern names the 8 horizontal neighbors and nothing above or
	// below.
	for _, p := range patterns {
		if p.Name != "floor" {
			continue
		}
		require.Len(t, p.Offsets, 8)
		for _, o := range p.Offsets {
			require.Zero(t, o.DY)
			require.False(t, o.DX == 0 && o.DZ == 0)
		}
	}
}

func TestCompletionConfigYAML(t *testing.T) {
	src := `
observation_threshold: 5
direction_dot_threshold: 0.5
patterns:
  - name: bridge
    offsets:
      - dx: -1
        dz: 0
      - dx: 1
        dz: 0
`

	var conf CompletionConfig
	require.NoError(t, yaml.Unmarshal([]byte(src), &conf))

	require.Equal(t, 5, conf.ObservationThreshold)
	require.InDelta(t, 0.5, conf.DirectionDotThreshold, 1e-6)
	require.Len(t, conf.Patterns, 1)
	require.Equal(t, "bridge", conf.Patterns[0].Name)
	require.Equal(t, []Offset{{DX: -1}, {DX: 1}}, conf.Patterns[0].Offsets)
}

func TestCompletionConfigDefaults(t *testing.T) {
	conf := CompletionConfig{}.withDefaults()

	require.Equal(t, DefaultObservationThreshold, conf.ObservationThreshold)
	require.Equal(t, DefaultDirectionDotThreshold, conf.DirectionDotThreshold)
	require.Len(t, conf.Patterns, 16)
}
