package engine

import (
	"sync"

	"github.com/tsawler/go-srgan/tensor"
)

// parallelFor splits [0,n) into at most workers contiguous chunks and runs
// fn on each concurrently. fn receives its chunk index.
func parallelFor(n, workers int, fn func(chunk, start, end int)) int {
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, 0, n)
		return 1
	}

	size := (n + workers - 1) / workers
	var wg sync.WaitGroup
	chunks := 0
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(c, s, e int) {
			defer wg.Done()
			fn(c, s, e)
		}(chunks, start, end)
		chunks++
	}
	wg.Wait()
	return chunks
}

type convGeometry struct {
	c, h, w   int
	o, oh, ow int
	k         int
	stride    int
	pad       int
}

func (g convGeometry) patch() int { return g.c * g.k * g.k }
func (g convGeometry) plane() int { return g.oh * g.ow }

func newConvGeometry(x *tensor.Tensor, outChannels, kernel, stride, pad int) convGeometry {
	h, w := x.Shape[2], x.Shape[3]
	return convGeometry{
		c: x.Shape[1], h: h, w: w,
		o:  outChannels,
		oh: (h+2*pad-kernel)/stride + 1,
		ow: (w+2*pad-kernel)/stride + 1,
		k:  kernel, stride: stride, pad: pad,
	}
}

// im2col unrolls one CHW sample into a [C*k*k, OH*OW] matrix
func im2col(x []float32, g convGeometry, cols []float32) {
	p := g.plane()
	for c := 0; c < g.c; c++ {
		for ki := 0; ki < g.k; ki++ {
			for kj := 0; kj < g.k; kj++ {
				row := cols[((c*g.k+ki)*g.k+kj)*p:]
				for oh := 0; oh < g.oh; oh++ {
					ih := oh*g.stride - g.pad + ki
					dst := row[oh*g.ow : (oh+1)*g.ow]
					if ih < 0 || ih >= g.h {
						for i := range dst {
							dst[i] = 0
						}
						continue
					}
					src := x[(c*g.h+ih)*g.w:]
					for ow := range dst {
						iw := ow*g.stride - g.pad + kj
						if iw < 0 || iw >= g.w {
							dst[ow] = 0
						} else {
							dst[ow] = src[iw]
						}
					}
				}
			}
		}
	}
}

// col2im scatters a column matrix back onto a CHW sample, accumulating
func col2im(cols []float32, g convGeometry, x []float32) {
	p := g.plane()
	for c := 0; c < g.c; c++ {
		for ki := 0; ki < g.k; ki++ {
			for kj := 0; kj < g.k; kj++ {
				row := cols[((c*g.k+ki)*g.k+kj)*p:]
				for oh := 0; oh < g.oh; oh++ {
					ih := oh*g.stride - g.pad + ki
					if ih < 0 || ih >= g.h {
						continue
					}
					dst := x[(c*g.h+ih)*g.w:]
					src := row[oh*g.ow : (oh+1)*g.ow]
					for ow, v := range src {
						iw := ow*g.stride - g.pad + kj
						if iw >= 0 && iw < g.w {
							dst[iw] += v
						}
					}
				}
			}
		}
	}
}

func conv2DForward(x, weight, bias *tensor.Tensor, kernel, stride, pad, workers int) *tensor.Tensor {
	n := x.Shape[0]
	g := newConvGeometry(x, weight.Shape[0], kernel, stride, pad)
	out := tensor.MustZeros([]int{n, g.o, g.oh, g.ow})

	inSize := g.c * g.h * g.w
	outSize := g.o * g.plane()
	kk, p := g.patch(), g.plane()

	parallelFor(n, workers, func(_, start, end int) {
		cols := scratch.Get(kk * p)
		defer scratch.Put(cols)
		for s := start; s < end; s++ {
			im2col(x.Data[s*inSize:(s+1)*inSize], g, cols)
			o := out.Data[s*outSize : (s+1)*outSize]
			var beta float32
			if bias != nil {
				for oc := 0; oc < g.o; oc++ {
					b := bias.Data[oc]
					row := o[oc*p : (oc+1)*p]
					for i := range row {
						row[i] = b
					}
				}
				beta = 1
			}
			tensor.Gemm(false, false, g.o, p, kk, 1, weight.Data, cols, beta, o)
		}
	})
	return out
}

// conv2DBackward returns the input gradient and, when dw is non-nil,
// accumulates weight and bias gradients into dw and db.
func conv2DBackward(x, weight, grad *tensor.Tensor, kernel, stride, pad, workers int, dw, db *tensor.Tensor) *tensor.Tensor {
	n := x.Shape[0]
	g := newConvGeometry(x, weight.Shape[0], kernel, stride, pad)
	dx := tensor.MustZeros(x.Shape)

	inSize := g.c * g.h * g.w
	outSize := g.o * g.plane()
	kk, p := g.patch(), g.plane()

	chunks := workers
	if chunks > n {
		chunks = n
	}
	var partialW [][]float32
	var partialB [][]float32
	if dw != nil {
		partialW = make([][]float32, chunks)
		partialB = make([][]float32, chunks)
	}

	parallelFor(n, chunks, func(chunk, start, end int) {
		cols := scratch.Get(kk * p)
		defer scratch.Put(cols)
		dcols := scratch.Get(kk * p)
		defer scratch.Put(dcols)
		var pw, pb []float32
		if dw != nil {
			pw = make([]float32, g.o*kk)
			pb = make([]float32, g.o)
			partialW[chunk] = pw
			partialB[chunk] = pb
		}
		for s := start; s < end; s++ {
			gs := grad.Data[s*outSize : (s+1)*outSize]
			xs := x.Data[s*inSize : (s+1)*inSize]
			if dw != nil {
				im2col(xs, g, cols)
				tensor.Gemm(false, true, g.o, kk, p, 1, gs, cols, 1, pw)
				for oc := 0; oc < g.o; oc++ {
					var sum float32
					for _, v := range gs[oc*p : (oc+1)*p] {
						sum += v
					}
					pb[oc] += sum
				}
			}
			tensor.Gemm(true, false, kk, p, g.o, 1, weight.Data, gs, 0, dcols)
			col2im(dcols, g, dx.Data[s*inSize:(s+1)*inSize])
		}
	})

	if dw != nil {
		for c := range partialW {
			if partialW[c] == nil {
				continue
			}
			for i, v := range partialW[c] {
				dw.Data[i] += v
			}
			if db != nil {
				for i, v := range partialB[c] {
					db.Data[i] += v
				}
			}
		}
	}
	return dx
}

func denseForward(x, weight, bias *tensor.Tensor) *tensor.Tensor {
	n := x.Shape[0]
	in, out := weight.Shape[0], weight.Shape[1]
	y := tensor.MustZeros([]int{n, out})
	var beta float32
	if bias != nil {
		for s := 0; s < n; s++ {
			copy(y.Data[s*out:(s+1)*out], bias.Data)
		}
		beta = 1
	}
	tensor.Gemm(false, false, n, out, in, 1, x.Data, weight.Data, beta, y.Data)
	return y
}

func denseBackward(x, weight, grad *tensor.Tensor, dw, db *tensor.Tensor) *tensor.Tensor {
	n := x.Shape[0]
	in, out := weight.Shape[0], weight.Shape[1]
	if dw != nil {
		tensor.Gemm(true, false, in, out, n, 1, x.Data, grad.Data, 1, dw.Data)
		if db != nil {
			for s := 0; s < n; s++ {
				for j, v := range grad.Data[s*out : (s+1)*out] {
					db.Data[j] += v
				}
			}
		}
	}
	dx := tensor.MustZeros(x.Shape)
	tensor.Gemm(false, true, n, in, out, 1, grad.Data, weight.Data, 0, dx.Data)
	return dx
}
