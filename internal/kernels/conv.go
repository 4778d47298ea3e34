package kernels

import "fmt"

// Conv2DParams carries the window geometry shared by im2col and pool2d.
// Padding is implicit zeros around the input.
type Conv2DParams struct {
	KW, KH int // window size
	SW, SH int // stride
	PW, PH int // padding
	DW, DH int // dilation
}

// OutW returns the output width for input width w.
func (p Conv2DParams) OutW(w int) int {
	return (w + 2*p.PW - p.DW*(p.KW-1) - 1) / p.SW + 1
}

// OutH returns the output height for input height h.
func (p Conv2DParams) OutH(h int) int {
	return (h + 2*p.PH - p.DH*(p.KH-1) - 1) / p.SH + 1
}

func (p Conv2DParams) validate() {
	if p.KW <= 0 || p.KH <= 0 || p.SW <= 0 || p.SH <= 0 || p.DW <= 0 || p.DH <= 0 {
		panic(fmt.Sprintf("kernels: conv window %+v", p))
	}
}

// Im2Col unrolls convolution windows into matmul rows: src is one
// [w x h x channels] image, dst gets [kw*kh*channels] elements per
// output position, output positions in row-major (ow fastest) order.
// Out-of-bounds taps read zero.
func Im2Col(dst, src []float32, w, h, channels int, p Conv2DParams) {
	p.validate()
	ow, oh := p.OutW(w), p.OutH(h)
	if len(dst) < ow*oh*p.KW*p.KH*channels {
		panic("kernels: im2col destination too small")
	}
	di := 0
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			for c := 0; c < channels; c++ {
				for ky := 0; ky < p.KH; ky++ {
					iy := oy*p.SH + ky*p.DH - p.PH
					for kx := 0; kx < p.KW; kx++ {
						ix := ox*p.SW + kx*p.DW - p.PW
						if ix < 0 || ix >= w || iy < 0 || iy >= h {
							dst[di] = 0
						} else {
							dst[di] = src[(c*h+iy)*w+ix]
						}
						di++
					}
				}
			}
		}
	}
}

// PoolKind selects the pooling reduction.
type PoolKind uint8

const (
	PoolMax PoolKind = iota
	PoolAvg
)

// Pool2D reduces each window of src to one output element per channel.
// Average pooling divides by the full window size, counting padding as
// zeros.
func Pool2D(dst, src []float32, w, h, channels int, p Conv2DParams, kind PoolKind) {
	p.validate()
	ow, oh := p.OutW(w), p.OutH(h)
	di := 0
	for c := 0; c < channels; c++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				var acc float32
				if kind == PoolMax {
					acc = negInf32
				}
				for ky := 0; ky < p.KH; ky++ {
					iy := oy*p.SH + ky*p.DH - p.PH
					for kx := 0; kx < p.KW; kx++ {
						ix := ox*p.SW + kx*p.DW - p.PW
						var v float32
						if ix >= 0 && ix < w && iy >= 0 && iy < h {
							v = src[(c*h+iy)*w+ix]
						}
						if kind == PoolMax {
							if v > acc {
								acc = v
							}
						} else {
							acc += v
						}
					}
				}
				if kind == PoolAvg {
					acc /= float32(p.KW * p.KH)
				}
				dst[di] = acc
				di++
			}
		}
	}
}

// UpscaleNearest scales each channel plane by integer factors.
func UpscaleNearest(dst, src []float32, w, h, channels, fw, fh int) {
	if fw <= 0 || fh <= 0 {
		panic(fmt.Sprintf("kernels: upscale factors %dx%d", fw, fh))
	}
	ow := w * fw
	di := 0
	for c := 0; c < channels; c++ {
		plane := src[c*w*h:]
		for oy := 0; oy < h*fh; oy++ {
			iy := oy / fh
			for ox := 0; ox < ow; ox++ {
				dst[di] = plane[iy*w+ox/fw]
				di++
			}
		}
	}
}

// Pad copies src into a zeroed dst with leading offsets per dimension.
func Pad(dst []float32, dne Shape, src []float32, sne Shape, off Shape) {
	for i := range dst {
		dst[i] = 0
	}
	for i3 := int64(0); i3 < sne[3]; i3++ {
		for i2 := int64(0); i2 < sne[2]; i2++ {
			for i1 := int64(0); i1 < sne[1]; i1++ {
				srow := src[((i3*sne[2]+i2)*sne[1]+i1)*sne[0]:]
				drow := dst[(((i3+off[3])*dne[2]+i2+off[2])*dne[1]+i1+off[1])*dne[0]+off[0]:]
				copy(drow[:sne[0]], srow[:sne[0]])
			}
		}
	}
}
