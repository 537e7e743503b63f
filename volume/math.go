package volume

import (
	"github.com/chewxy/math32"
)

func EqualWithEpsilon(a float32, b float32, epsilon float32) bool {
	return math32.Abs(a-b) <= epsilon
}

// Vec3 is a 3D float32 vector in session space. Units are meters.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

func (v Vec3) EqualWithEpsilon(o Vec3, epsilon float32) bool {
	return math32.Abs(v.X-o.X) <= epsilon &&
		math32.Abs(v.Y-o.Y) <= epsilon &&
		math32.Abs(v.Z-o.Z) <= epsilon
}

func Add(a Vec3, b Vec3) Vec3 {
	return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z}
}

func Sub(a Vec3, b Vec3) Vec3 {
	return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z}
}

func Mul(a Vec3, s float32) Vec3 {
	return Vec3{a.X * s, a.Y * s, a.Z * s}
}

func (v Vec3) Length() float32 {
	return math32.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func Normalized(a Vec3) Vec3 {
	length := a.Length()
	if length == 0 {
		return a
	}
	return Vec3{a.X / length, a.Y / length, a.Z / length}
}

func (v Vec3) Dot(o Vec3) float32 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func Cross(a Vec3, b Vec3) Vec3 {
	return Vec3{
		a.Y*b.Z - a.Z*b.Y,
		a.Z*b.X - a.X*b.Z,
		a.X*b.Y - a.Y*b.X,
	}
}

// Color is an 8-bit RGBA vertex color.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
	A uint8 `json:"a"`
}
