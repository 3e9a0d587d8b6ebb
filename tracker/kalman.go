package tracker

import (
	"gonum.org/v1/gonum/mat"
)

// The constant-velocity box filter keeps the state
//
//	[u, v, s, r, du, dv, ds]
//
// where (u, v) is the box center, s its area and r its aspect ratio. The
// aspect ratio is treated as constant between frames. Noise matrices are
// fixed: the filter trusts observed position far more than observed scale.
const (
	stateDim = 7
	measDim  = 4
)

var (
	transition = func() *mat.Dense {
		f := mat.NewDense(stateDim, stateDim, nil)
		for i := 0; i < stateDim; i++ {
			f.Set(i, i, 1)
		}
		f.Set(0, 4, 1)
		f.Set(1, 5, 1)
		f.Set(2, 6, 1)
		return f
	}()

	observation = func() *mat.Dense {
		h := mat.NewDense(measDim, stateDim, nil)
		for i := 0; i < measDim; i++ {
			h.Set(i, i, 1)
		}
		return h
	}()

	identity         = mat.NewDiagDense(stateDim, []float64{1, 1, 1, 1, 1, 1, 1})
	processNoise     = mat.NewDiagDense(stateDim, []float64{1, 1, 1, 1, 0.01, 0.01, 0.0001})
	measurementNoise = mat.NewDiagDense(measDim, []float64{1, 1, 10, 10})
	initialCov       = []float64{10, 10, 10, 10, 1e4, 1e4, 1e4}
)

// KalmanBoxFilter predicts and corrects the geometry of a single track.
type KalmanBoxFilter struct {
	x *mat.VecDense
	p *mat.Dense
}

// NewKalmanBoxFilter seeds the filter from a box with zero velocity.
func NewKalmanBoxFilter(b BBox) *KalmanBoxFilter {
	z := toMeasurement(b)
	x := mat.NewVecDense(stateDim, []float64{z[0], z[1], z[2], z[3], 0, 0, 0})
	p := mat.NewDense(stateDim, stateDim, nil)
	for i, v := range initialCov {
		p.Set(i, i, v)
	}
	return &KalmanBoxFilter{x: x, p: p}
}

// Predict advances the state by one frame and returns the predicted box.
func (f *KalmanBoxFilter) Predict() BBox {
	// an area velocity that would drive the area negative is dropped
	if f.x.AtVec(2)+f.x.AtVec(6) <= 0 {
		f.x.SetVec(6, 0)
	}

	var x mat.VecDense
	x.MulVec(transition, f.x)
	f.x = &x

	var fp, p mat.Dense
	fp.Mul(transition, f.p)
	p.Mul(&fp, transition.T())
	p.Add(&p, processNoise)
	f.p = &p

	return f.BBox()
}

// Update corrects the state from an observed box.
func (f *KalmanBoxFilter) Update(b BBox) {
	m := toMeasurement(b)
	z := mat.NewVecDense(measDim, m[:])

	var hx, y mat.VecDense
	hx.MulVec(observation, f.x)
	y.SubVec(z, &hx)

	var pht, s, sInv mat.Dense
	pht.Mul(f.p, observation.T())
	s.Mul(observation, &pht)
	s.Add(&s, measurementNoise)
	if err := sInv.Inverse(&s); err != nil {
		// S is R plus a covariance projection and should never be singular;
		// fall back to taking the observation as is.
		for i := 0; i < measDim; i++ {
			f.x.SetVec(i, m[i])
		}
		return
	}

	var k mat.Dense
	k.Mul(&pht, &sInv)

	var ky mat.VecDense
	ky.MulVec(&k, &y)
	f.x.AddVec(f.x, &ky)

	var kh, ikh, p mat.Dense
	kh.Mul(&k, observation)
	ikh.Sub(identity, &kh)
	p.Mul(&ikh, f.p)
	f.p = &p
}

// BBox returns the box described by the current state.
func (f *KalmanBoxFilter) BBox() BBox {
	return fromState(f.x.AtVec(0), f.x.AtVec(1), f.x.AtVec(2), f.x.AtVec(3))
}

// Velocity returns the center and area velocity (du, dv, ds).
func (f *KalmanBoxFilter) Velocity() (du, dv, ds float64) {
	return f.x.AtVec(4), f.x.AtVec(5), f.x.AtVec(6)
}
