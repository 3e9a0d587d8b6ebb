package detect

import (
	"image"
	"image/color"
	"math"

	"trunov/birdcount/tracker"
)

const (
	DefaultMotionThreshold = 15
	DefaultMotionRatio     = 0.03

	blurRadius   = 3
	dilateRadius = 3
)

// MotionState holds the previous blurred frame of one session. It must not be
// shared between sessions.
type MotionState struct {
	Threshold uint8

	prev *image.Gray
}

func NewMotionState(threshold uint8) *MotionState {
	return &MotionState{Threshold: threshold}
}

// Reset forgets the previous frame.
func (m *MotionState) Reset() {
	m.prev = nil
}

// Mask returns a binary mask (0 or 255) of pixels that changed by more than
// Threshold since the previous frame. The first frame, and any frame whose
// size differs from the previous one, yields an all-zero mask.
func (m *MotionState) Mask(frame *image.Gray) *image.Gray {
	r := frame.Bounds()
	cur := boxBlur(frame, blurRadius)
	mask := image.NewGray(r)
	if m.prev == nil || m.prev.Bounds() != r {
		m.prev = cur
		return mask
	}

	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			a := int(cur.GrayAt(x, y).Y)
			b := int(m.prev.GrayAt(x, y).Y)
			d := a - b
			if d < 0 {
				d = -d
			}
			if d > int(m.Threshold) {
				mask.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	m.prev = cur
	return dilate(mask, dilateRadius)
}

// BoxHasMotion reports whether more than minRatio of the box's pixels are set
// in the mask. The box is clamped to the mask; an empty region has no motion.
func BoxHasMotion(mask *image.Gray, b tracker.BBox, minRatio float64) bool {
	if mask == nil {
		return true
	}
	r := mask.Bounds()
	x1 := clamp(truncate(b.X1), r.Min.X, r.Max.X-1)
	x2 := clamp(truncate(b.X2), r.Min.X, r.Max.X)
	y1 := clamp(truncate(b.Y1), r.Min.Y, r.Max.Y-1)
	y2 := clamp(truncate(b.Y2), r.Min.Y, r.Max.Y)
	if x2 <= x1 || y2 <= y1 {
		return false
	}

	moving := 0
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			if mask.GrayAt(x, y).Y != 0 {
				moving++
			}
		}
	}
	total := (x2 - x1) * (y2 - y1)
	return float64(moving)/float64(total) > minRatio
}

func truncate(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Max(math.Min(v, math.MaxInt32), math.MinInt32))
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// boxBlur is a separable mean filter with edge clamping.
func boxBlur(src *image.Gray, radius int) *image.Gray {
	r := src.Bounds()
	tmp := image.NewGray(r)
	dst := image.NewGray(r)
	n := 2*radius + 1
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			sum := 0
			for k := -radius; k <= radius; k++ {
				sum += int(src.GrayAt(clamp(x+k, r.Min.X, r.Max.X-1), y).Y)
			}
			tmp.SetGray(x, y, color.Gray{Y: uint8(sum / n)})
		}
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			sum := 0
			for k := -radius; k <= radius; k++ {
				sum += int(tmp.GrayAt(x, clamp(y+k, r.Min.Y, r.Max.Y-1)).Y)
			}
			dst.SetGray(x, y, color.Gray{Y: uint8(sum / n)})
		}
	}
	return dst
}

func dilate(src *image.Gray, radius int) *image.Gray {
	r := src.Bounds()
	dst := image.NewGray(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if src.GrayAt(x, y).Y == 0 {
				continue
			}
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					p := image.Pt(x+dx, y+dy)
					if p.In(r) {
						dst.SetGray(p.X, p.Y, color.Gray{Y: 255})
					}
				}
			}
		}
	}
	return dst
}
