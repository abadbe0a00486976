package engine

import (
	"math"

	"github.com/tsawler/go-srgan/tensor"
)

// spatial returns (N, C, H*W) for NCHW or (N, F, 1) for 2D tensors
func spatial(t *tensor.Tensor) (int, int, int) {
	n, c := t.Shape[0], t.Shape[1]
	return n, c, t.NumElems / (n * c)
}

type batchNormCache struct {
	xhat   []float32
	invStd []float32
}

func batchNormForward(x, gamma, beta *tensor.Tensor, st *runningStats, eps, momentum float32, training, update bool) (*tensor.Tensor, *batchNormCache) {
	n, c, hw := spatial(x)
	out := tensor.MustZeros(x.Shape)
	cache := &batchNormCache{xhat: make([]float32, x.NumElems), invStd: make([]float32, c)}
	count := float64(n * hw)

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if training {
			var sum float64
			for s := 0; s < n; s++ {
				for _, v := range x.Data[(s*c+ch)*hw : (s*c+ch+1)*hw] {
					sum += float64(v)
				}
			}
			mean = sum / count
			var sq float64
			for s := 0; s < n; s++ {
				for _, v := range x.Data[(s*c+ch)*hw : (s*c+ch+1)*hw] {
					d := float64(v) - mean
					sq += d * d
				}
			}
			variance = sq / count

			if update {
				unbiased := variance
				if count > 1 {
					unbiased = sq / (count - 1)
				}
				m := float64(momentum)
				st.mean.Value.Data[ch] = float32((1-m)*float64(st.mean.Value.Data[ch]) + m*mean)
				st.vars.Value.Data[ch] = float32((1-m)*float64(st.vars.Value.Data[ch]) + m*unbiased)
			}
		} else {
			mean = float64(st.mean.Value.Data[ch])
			variance = float64(st.vars.Value.Data[ch])
		}

		inv := float32(1 / math.Sqrt(variance+float64(eps)))
		cache.invStd[ch] = inv
		g, b := gamma.Data[ch], beta.Data[ch]
		mf := float32(mean)
		for s := 0; s < n; s++ {
			off := (s*c + ch) * hw
			for i := off; i < off+hw; i++ {
				xh := (x.Data[i] - mf) * inv
				cache.xhat[i] = xh
				out.Data[i] = g*xh + b
			}
		}
	}
	return out, cache
}

func batchNormBackward(grad, gamma *tensor.Tensor, cache *batchNormCache, training bool, dgamma, dbeta *tensor.Tensor) *tensor.Tensor {
	n, c, hw := spatial(grad)
	dx := tensor.MustZeros(grad.Shape)
	m := float32(n * hw)

	for ch := 0; ch < c; ch++ {
		var sumG, sumGX float64
		for s := 0; s < n; s++ {
			off := (s*c + ch) * hw
			for i := off; i < off+hw; i++ {
				sumG += float64(grad.Data[i])
				sumGX += float64(grad.Data[i] * cache.xhat[i])
			}
		}
		if dgamma != nil {
			dgamma.Data[ch] += float32(sumGX)
			dbeta.Data[ch] += float32(sumG)
		}

		scale := gamma.Data[ch] * cache.invStd[ch]
		for s := 0; s < n; s++ {
			off := (s*c + ch) * hw
			for i := off; i < off+hw; i++ {
				if training {
					dx.Data[i] = scale / m * (m*grad.Data[i] - float32(sumG) - cache.xhat[i]*float32(sumGX))
				} else {
					dx.Data[i] = scale * grad.Data[i]
				}
			}
		}
	}
	return dx
}

func preluForward(x, alpha *tensor.Tensor) *tensor.Tensor {
	n, c, hw := spatial(x)
	out := tensor.MustZeros(x.Shape)
	for s := 0; s < n; s++ {
		for ch := 0; ch < c; ch++ {
			a := alpha.Data[ch]
			off := (s*c + ch) * hw
			for i := off; i < off+hw; i++ {
				if v := x.Data[i]; v > 0 {
					out.Data[i] = v
				} else {
					out.Data[i] = a * v
				}
			}
		}
	}
	return out
}

func preluBackward(x, alpha, grad *tensor.Tensor, dalpha *tensor.Tensor) *tensor.Tensor {
	n, c, hw := spatial(x)
	dx := tensor.MustZeros(x.Shape)
	for ch := 0; ch < c; ch++ {
		a := alpha.Data[ch]
		var da float64
		for s := 0; s < n; s++ {
			off := (s*c + ch) * hw
			for i := off; i < off+hw; i++ {
				if v := x.Data[i]; v > 0 {
					dx.Data[i] = grad.Data[i]
				} else {
					dx.Data[i] = a * grad.Data[i]
					da += float64(grad.Data[i] * v)
				}
			}
		}
		if dalpha != nil {
			dalpha.Data[ch] += float32(da)
		}
	}
	return dx
}

func leakyReLUForward(x *tensor.Tensor, slope float32) *tensor.Tensor {
	out := tensor.MustZeros(x.Shape)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = slope * v
		}
	}
	return out
}

func leakyReLUBackward(x, grad *tensor.Tensor, slope float32) *tensor.Tensor {
	dx := tensor.MustZeros(x.Shape)
	for i, v := range x.Data {
		if v > 0 {
			dx.Data[i] = grad.Data[i]
		} else {
			dx.Data[i] = slope * grad.Data[i]
		}
	}
	return dx
}

func tanhForward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.MustZeros(x.Shape)
	for i, v := range x.Data {
		out.Data[i] = float32(math.Tanh(float64(v)))
	}
	return out
}

func tanhBackward(y, grad *tensor.Tensor) *tensor.Tensor {
	dx := tensor.MustZeros(y.Shape)
	for i, v := range y.Data {
		dx.Data[i] = grad.Data[i] * (1 - v*v)
	}
	return dx
}

func sigmoidForward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.MustZeros(x.Shape)
	for i, v := range x.Data {
		out.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	return out
}

func sigmoidBackward(y, grad *tensor.Tensor) *tensor.Tensor {
	dx := tensor.MustZeros(y.Shape)
	for i, v := range y.Data {
		dx.Data[i] = grad.Data[i] * v * (1 - v)
	}
	return dx
}

func addForward(ins []*tensor.Tensor) (*tensor.Tensor, error) {
	out := ins[0].Clone()
	for _, t := range ins[1:] {
		if err := tensor.AddInPlace(out, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// depthToSpace uses the DCR ordering:
// out[n, c, h*r+i, w*r+j] = in[n, (i*r+j)*C + c, h, w]
func depthToSpaceForward(x *tensor.Tensor, r int) *tensor.Tensor {
	n, cin, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	c := cin / (r * r)
	oh, ow := h*r, w*r
	out := tensor.MustZeros([]int{n, c, oh, ow})
	for s := 0; s < n; s++ {
		for i := 0; i < r; i++ {
			for j := 0; j < r; j++ {
				for ch := 0; ch < c; ch++ {
					src := x.Data[((s*cin+(i*r+j)*c+ch)*h)*w:]
					dst := out.Data[(s*c+ch)*oh*ow:]
					for y := 0; y < h; y++ {
						row := dst[(y*r+i)*ow:]
						for xx := 0; xx < w; xx++ {
							row[xx*r+j] = src[y*w+xx]
						}
					}
				}
			}
		}
	}
	return out
}

func depthToSpaceBackward(grad *tensor.Tensor, inShape []int, r int) *tensor.Tensor {
	n, cin, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	c := cin / (r * r)
	oh, ow := h*r, w*r
	dx := tensor.MustZeros(inShape)
	for s := 0; s < n; s++ {
		for i := 0; i < r; i++ {
			for j := 0; j < r; j++ {
				for ch := 0; ch < c; ch++ {
					dst := dx.Data[((s*cin+(i*r+j)*c+ch)*h)*w:]
					src := grad.Data[(s*c+ch)*oh*ow:]
					for y := 0; y < h; y++ {
						row := src[(y*r+i)*ow:]
						for xx := 0; xx < w; xx++ {
							dst[y*w+xx] = row[xx*r+j]
						}
					}
				}
			}
		}
	}
	return dx
}

func channelAffineForward(x *tensor.Tensor, order []int, scale, shift []float32) *tensor.Tensor {
	n, c, hw := spatial(x)
	out := tensor.MustZeros(x.Shape)
	for s := 0; s < n; s++ {
		for ch := 0; ch < c; ch++ {
			src := x.Data[(s*c+order[ch])*hw:]
			dst := out.Data[(s*c+ch)*hw : (s*c+ch+1)*hw]
			for i := range dst {
				dst[i] = src[i]*scale[ch] + shift[ch]
			}
		}
	}
	return out
}

func channelAffineBackward(grad *tensor.Tensor, order []int, scale []float32) *tensor.Tensor {
	n, c, hw := spatial(grad)
	dx := tensor.MustZeros(grad.Shape)
	for s := 0; s < n; s++ {
		for ch := 0; ch < c; ch++ {
			src := grad.Data[(s*c+ch)*hw : (s*c+ch+1)*hw]
			dst := dx.Data[(s*c+order[ch])*hw:]
			for i, g := range src {
				dst[i] += g * scale[ch]
			}
		}
	}
	return dx
}

func maxPoolForward(x *tensor.Tensor, pool, stride int) (*tensor.Tensor, []int) {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h-pool)/stride + 1
	ow := (w-pool)/stride + 1
	out := tensor.MustZeros([]int{n, c, oh, ow})
	argmax := make([]int, out.NumElems)

	for p := 0; p < n*c; p++ {
		base := p * h * w
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := base + y*stride*w + xx*stride
				for i := 0; i < pool; i++ {
					for j := 0; j < pool; j++ {
						idx := base + (y*stride+i)*w + xx*stride + j
						if x.Data[idx] > x.Data[best] {
							best = idx
						}
					}
				}
				o := (p*oh+y)*ow + xx
				out.Data[o] = x.Data[best]
				argmax[o] = best
			}
		}
	}
	return out, argmax
}

func maxPoolBackward(grad *tensor.Tensor, inShape []int, argmax []int) *tensor.Tensor {
	dx := tensor.MustZeros(inShape)
	for o, g := range grad.Data {
		dx.Data[argmax[o]] += g
	}
	return dx
}
