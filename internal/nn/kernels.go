package nn

import (
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// matmul computes c = op(a)·op(b) + beta·c where a is stored as an
// ar×ac row-major matrix and b as br×bc.
func matmul(transA bool, a []float32, ar, ac int, transB bool, b []float32, br, bc int, beta float32, c []float32) {
	ta, tb := blas.NoTrans, blas.NoTrans
	rows, cols := ar, bc
	if transA {
		ta = blas.Trans
		rows = ac
	}
	if transB {
		tb = blas.Trans
		cols = br
	}
	blas32.Gemm(ta, tb, 1,
		blas32.General{Rows: ar, Cols: ac, Stride: ac, Data: a},
		blas32.General{Rows: br, Cols: bc, Stride: bc, Data: b},
		beta,
		blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: c},
	)
}

// parallelChunks splits [0,n) into at most GOMAXPROCS contiguous chunks
// and runs fn on each. It returns the number of chunks used.
func parallelChunks(n int, fn func(chunk, lo, hi int) error) (int, error) {
	if n == 0 {
		return 0, nil
	}
	workers := min(runtime.GOMAXPROCS(0), n)
	size := (n + workers - 1) / workers

	var g errgroup.Group
	chunks := 0
	for lo := 0; lo < n; lo += size {
		chunk, lo, hi := chunks, lo, min(lo+size, n)
		g.Go(func() error {
			return fn(chunk, lo, hi)
		})
		chunks++
	}
	return chunks, g.Wait()
}

func chunkCount(n int) int {
	if n == 0 {
		return 0
	}
	workers := min(runtime.GOMAXPROCS(0), n)
	size := (n + workers - 1) / workers
	return (n + size - 1) / size
}

// glorotUniform fills data from U(-l, l) with l = sqrt(6/(fanIn+fanOut)).
func glorotUniform(rng *rand.Rand, data []float32, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

type convGeometry struct {
	channels, height, width int
	kernel, stride, padding int
	outHeight, outWidth     int
}

func (g convGeometry) colRows() int { return g.channels * g.kernel * g.kernel }
func (g convGeometry) colCols() int { return g.outHeight * g.outWidth }

// im2col unfolds one CHW sample into a (C·k·k)×(OH·OW) matrix.
func im2col(g convGeometry, x, col []float32) {
	cols := g.colCols()
	for c := 0; c < g.channels; c++ {
		plane := x[c*g.height*g.width : (c+1)*g.height*g.width]
		for ki := 0; ki < g.kernel; ki++ {
			for kj := 0; kj < g.kernel; kj++ {
				row := col[((c*g.kernel+ki)*g.kernel+kj)*cols:]
				for oy := 0; oy < g.outHeight; oy++ {
					iy := oy*g.stride - g.padding + ki
					dst := row[oy*g.outWidth : (oy+1)*g.outWidth]
					if iy < 0 || iy >= g.height {
						clear(dst)
						continue
					}
					src := plane[iy*g.width : (iy+1)*g.width]
					for ox := range dst {
						ix := ox*g.stride - g.padding + kj
						if ix < 0 || ix >= g.width {
							dst[ox] = 0
							continue
						}
						dst[ox] = src[ix]
					}
				}
			}
		}
	}
}

// col2im folds a column matrix back into a CHW sample, summing overlaps.
// dx must be zeroed by the caller.
func col2im(g convGeometry, col, dx []float32) {
	cols := g.colCols()
	for c := 0; c < g.channels; c++ {
		plane := dx[c*g.height*g.width : (c+1)*g.height*g.width]
		for ki := 0; ki < g.kernel; ki++ {
			for kj := 0; kj < g.kernel; kj++ {
				row := col[((c*g.kernel+ki)*g.kernel+kj)*cols:]
				for oy := 0; oy < g.outHeight; oy++ {
					iy := oy*g.stride - g.padding + ki
					if iy < 0 || iy >= g.height {
						continue
					}
					dst := plane[iy*g.width : (iy+1)*g.width]
					src := row[oy*g.outWidth : (oy+1)*g.outWidth]
					for ox, v := range src {
						ix := ox*g.stride - g.padding + kj
						if ix < 0 || ix >= g.width {
							continue
						}
						dst[ix] += v
					}
				}
			}
		}
	}
}
