package kernels

import (
	"fmt"
	"math"
)

// RopeMode selects the pairing of rotated dimensions.
type RopeMode uint8

const (
	// RopeNorm rotates adjacent pairs (2i, 2i+1).
	RopeNorm RopeMode = iota
	// RopeNeoX rotates split halves (i, i+dims/2).
	RopeNeoX
	// RopeGLM rotates two half-width sections with separate positions:
	// the context position capped at nCtxOrig-2 and the overflow past it.
	RopeGLM
)

// RopeParams carries the rotary embedding configuration. Zero values of
// the YaRN fields disable extension: ExtFactor 0 leaves every dimension
// at its interpolated angle.
type RopeParams struct {
	Dims     int // rotated dimensions; the rest of the head passes through
	Mode     RopeMode
	FreqBase float32 // rotation base, typically 10000
	// FreqScale compresses positions for linear scaling; 1 = none.
	FreqScale float32
	// YaRN context extension.
	NCtxOrig   int
	ExtFactor  float32
	AttnFactor float32
	BetaFast   float32
	BetaSlow   float32
}

// ropeCorrDim returns the dimension index where rotations of base wavelength
// complete nRot turns over the original context.
func ropeCorrDim(dims, nCtxOrig int, nRot, base float32) float64 {
	return float64(dims) * math.Log(float64(nCtxOrig)/(float64(nRot)*2*math.Pi)) /
		(2 * math.Log(float64(base)))
}

// yarnRange returns the blend window [lo, hi] between interpolation and
// extrapolation.
func (p *RopeParams) yarnRange() (lo, hi float64) {
	lo = math.Floor(ropeCorrDim(p.Dims, p.NCtxOrig, p.BetaFast, p.FreqBase))
	hi = math.Ceil(ropeCorrDim(p.Dims, p.NCtxOrig, p.BetaSlow, p.FreqBase))
	if lo < 0 {
		lo = 0
	}
	if hi > float64(p.Dims-1) {
		hi = float64(p.Dims - 1)
	}
	return lo, hi
}

// yarnAngle blends the interpolated and extrapolated angles for rotated
// dimension pair i0 (even) and returns cos/sin with the attention factor
// folded in.
func (p *RopeParams) yarnAngle(thetaExtrap float64, i0 int, lo, hi float64) (cosv, sinv float32) {
	thetaInterp := float64(p.FreqScale) * thetaExtrap
	theta := thetaInterp
	mscale := float64(p.AttnFactor)
	if p.ExtFactor != 0 {
		ramp := 1.0
		if hi != lo {
			ramp = (float64(i0)/2 - lo) / (hi - lo)
		}
		ramp = 1 - math.Min(1, math.Max(0, ramp))
		mix := ramp * float64(p.ExtFactor)
		theta = thetaInterp*(1-mix) + thetaExtrap*mix
		mscale *= 1 + 0.1*math.Log(1/float64(p.FreqScale))
	}
	return float32(math.Cos(theta) * mscale), float32(math.Sin(theta) * mscale)
}

// Rope rotates each head vector of x in place. x holds heads*headDim
// elements per position; pos lists the position of each row of rows.
func Rope(x []float32, headDim, heads int, pos []int32, p RopeParams) {
	if p.Dims > headDim || p.Dims%2 != 0 {
		panic(fmt.Sprintf("kernels: rope dims %d on heads of %d", p.Dims, headDim))
	}
	if p.FreqScale == 0 {
		p.FreqScale = 1
	}
	if p.AttnFactor == 0 {
		p.AttnFactor = 1
	}
	rowLen := heads * headDim
	lo, hi := p.yarnRange()
	logBase := math.Log(float64(p.FreqBase))

	for r, pp := range pos {
		for h := 0; h < heads; h++ {
			head := x[r*rowLen+h*headDim : r*rowLen+(h+1)*headDim]
			switch p.Mode {
			case RopeNorm:
				for i0 := 0; i0 < p.Dims; i0 += 2 {
					theta := float64(pp) * math.Exp(-logBase*float64(i0)/float64(p.Dims))
					c, s := p.yarnAngle(theta, i0, lo, hi)
					a, b := head[i0], head[i0+1]
					head[i0] = a*c - b*s
					head[i0+1] = a*s + b*c
				}
			case RopeNeoX:
				half := p.Dims / 2
				for i0 := 0; i0 < p.Dims; i0 += 2 {
					theta := float64(pp) * math.Exp(-logBase*float64(i0)/float64(p.Dims))
					c, s := p.yarnAngle(theta, i0, lo, hi)
					a, b := head[i0/2], head[i0/2+half]
					head[i0/2] = a*c - b*s
					head[i0/2+half] = a*s + b*c
				}
			case RopeGLM:
				half := p.Dims / 2
				quarter := half / 2
				base := math.Min(float64(pp), float64(p.NCtxOrig-2))
				block := math.Max(float64(pp)-float64(p.NCtxOrig-2), 0)
				for i0 := 0; i0 < quarter; i0++ {
					theta := base * math.Exp(-logBase*float64(2*i0)/float64(half))
					c := float32(math.Cos(theta)) * p.AttnFactor
					s := float32(math.Sin(theta)) * p.AttnFactor
					a, b := head[i0], head[i0+quarter]
					head[i0] = a*c - b*s
					head[i0+quarter] = a*s + b*c

					theta = block * math.Exp(-logBase*float64(2*i0)/float64(half))
					c = float32(math.Cos(theta)) * p.AttnFactor
					s = float32(math.Sin(theta)) * p.AttnFactor
					a, b = head[half+i0], head[half+i0+quarter]
					head[half+i0] = a*c - b*s
					head[half+i0+quarter] = a*s + b*c
				}
			default:
				panic(fmt.Sprintf("kernels: rope mode %d", p.Mode))
			}
		}
	}
}
