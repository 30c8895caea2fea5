package heatmap

import "github.com/golang/geo/r2"

// Transform is a 2D affine map in the usual a,b,c,d,tx,ty layout:
//
//	x' = A*x + C*y + Tx
//	y' = B*x + D*y + Ty
//
// The zero value is not the identity; use Identity.
type Transform struct {
	A, B, C, D float64
	Tx, Ty     float64
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{A: 1, D: 1}
}

// MirrorX flips normalized x coordinates (x' = 1 - x). Front cameras deliver
// mirrored images and use this as their image to viewport transform.
func MirrorX() Transform {
	return Transform{A: -1, D: 1, Tx: 1}
}

// Scale returns a transform scaling x by sx and y by sy.
func Scale(sx, sy float64) Transform {
	return Transform{A: sx, D: sy}
}

// Translate returns a transform offsetting by (dx, dy).
func Translate(dx, dy float64) Transform {
	return Transform{A: 1, D: 1, Tx: dx, Ty: dy}
}

// Apply maps p through t.
func (t Transform) Apply(p r2.Point) r2.Point {
	return r2.Point{
		X: t.A*p.X + t.C*p.Y + t.Tx,
		Y: t.B*p.X + t.D*p.Y + t.Ty,
	}
}

// Then returns the transform that applies t first and next second.
func (t Transform) Then(next Transform) Transform {
	return Transform{
		A:  next.A*t.A + next.C*t.B,
		B:  next.B*t.A + next.D*t.B,
		C:  next.A*t.C + next.C*t.D,
		D:  next.B*t.C + next.D*t.D,
		Tx: next.A*t.Tx + next.C*t.Ty + next.Tx,
		Ty: next.B*t.Tx + next.D*t.Ty + next.Ty,
	}
}

// FullFrame is the normalized rectangle covering a whole image.
func FullFrame() r2.Rect {
	return r2.RectFromPoints(r2.Point{X: 0, Y: 0}, r2.Point{X: 1, Y: 1})
}

// CropToImage returns the transform mapping normalized crop coordinates to
// normalized image coordinates. An empty or degenerate crop (including the
// zero r2.Rect) means the full frame.
func CropToImage(crop r2.Rect) Transform {
	if crop.IsEmpty() || crop.X.Length() <= 0 || crop.Y.Length() <= 0 {
		return Identity()
	}
	return Scale(crop.X.Length(), crop.Y.Length()).Then(Translate(crop.X.Lo, crop.Y.Lo))
}
