package tracker

import "math"

// Epsilon guards divisions by box height and area.
const Epsilon = 1e-6

// BBox is an axis-aligned box in pixel coordinates, (X1,Y1) top-left.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Detection is one detector output for one frame.
type Detection struct {
	BBox
	Confidence float64
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Area is zero for inverted boxes.
func (b BBox) Area() float64 {
	return math.Max(0, b.Width()) * math.Max(0, b.Height())
}

// Valid reports whether all coordinates are finite and the box is not inverted.
func (b BBox) Valid() bool {
	for _, v := range [4]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Intersection returns the overlapping box, empty (zero area) when the boxes are disjoint.
func (b BBox) Intersection(o BBox) BBox {
	return BBox{
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
		X2: math.Min(b.X2, o.X2),
		Y2: math.Min(b.Y2, o.Y2),
	}
}

// IOU returns intersection over union of two boxes.
func IOU(a, b BBox) float64 {
	inter := a.Intersection(b).Area()
	if inter <= 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union < Epsilon {
		return 0
	}
	return inter / union
}

// toMeasurement converts a box to [u, v, s, r]: center, area and aspect ratio.
func toMeasurement(b BBox) [4]float64 {
	w := b.Width()
	h := b.Height()
	return [4]float64{
		b.X1 + w/2,
		b.Y1 + h/2,
		w * h,
		w / (h + Epsilon),
	}
}

// fromState converts [u, v, s, r] back into a box.
func fromState(u, v, s, r float64) BBox {
	w := 0.0
	if sr := s * r; sr > 0 {
		w = math.Sqrt(sr)
	}
	h := 0.0
	if w > Epsilon {
		h = s / w
	}
	return BBox{X1: u - w/2, Y1: v - h/2, X2: u + w/2, Y2: v + h/2}
}
