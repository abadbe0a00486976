// Package evaluation scores super-resolved images and renders reports:
// PSNR and SSIM per image, comparison sheets and loss curves.
package evaluation

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/stat"
)

// ErrSizeMismatch is returned when two images being compared differ in size
var ErrSizeMismatch = errors.New("images differ in size")

const (
	dataRange = 255.0
	ssimK1    = 0.01
	ssimK2    = 0.03

	// SSIMWindow is the side of the square window SSIM is averaged over
	SSIMWindow = 7
)

// channels returns the RGB planes of img as float64 pixel values
func channels(img *image.NRGBA) [3][]float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	var planes [3][]float64
	for c := range planes {
		planes[c] = make([]float64, w*h)
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				planes[c][y*w+x] = float64(row[4*x+c])
			}
		}
	}
	return planes
}

func sameSize(a, b *image.NRGBA) error {
	if a.Rect.Dx() != b.Rect.Dx() || a.Rect.Dy() != b.Rect.Dy() {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrSizeMismatch,
			a.Rect.Dx(), a.Rect.Dy(), b.Rect.Dx(), b.Rect.Dy())
	}
	return nil
}

// PSNR returns the peak signal-to-noise ratio of test against reference in
// decibels, over the RGB channels with a peak of 255. Identical images give
// +Inf.
func PSNR(reference, test *image.NRGBA) (float64, error) {
	if err := sameSize(reference, test); err != nil {
		return 0, err
	}
	ref, got := channels(reference), channels(test)

	var sum float64
	n := 0
	for c := 0; c < 3; c++ {
		for i, v := range ref[c] {
			d := v - got[c][i]
			sum += d * d
		}
		n += len(ref[c])
	}
	if n == 0 {
		return 0, fmt.Errorf("empty image")
	}
	mse := sum / float64(n)
	if mse == 0 {
		return math.Inf(1), nil
	}
	return 10 * math.Log10(dataRange*dataRange/mse), nil
}

// SSIM returns the mean structural similarity of test against reference.
// Each channel is scored over every SSIMWindow x SSIMWindow window with
// sample statistics and the channel means are averaged. Images smaller
// than the window are scored as a single window.
func SSIM(reference, test *image.NRGBA) (float64, error) {
	if err := sameSize(reference, test); err != nil {
		return 0, err
	}
	w, h := reference.Rect.Dx(), reference.Rect.Dy()
	if w == 0 || h == 0 {
		return 0, fmt.Errorf("empty image")
	}
	ref, got := channels(reference), channels(test)

	win := SSIMWindow
	if w < win || h < win {
		var total float64
		for c := 0; c < 3; c++ {
			total += ssim(ref[c], got[c])
		}
		return total / 3, nil
	}

	x := make([]float64, win*win)
	y := make([]float64, win*win)
	var total float64
	for c := 0; c < 3; c++ {
		var sum float64
		count := 0
		for top := 0; top+win <= h; top++ {
			for left := 0; left+win <= w; left++ {
				for dy := 0; dy < win; dy++ {
					off := (top+dy)*w + left
					copy(x[dy*win:(dy+1)*win], ref[c][off:off+win])
					copy(y[dy*win:(dy+1)*win], got[c][off:off+win])
				}
				sum += ssim(x, y)
				count++
			}
		}
		total += sum / float64(count)
	}
	return total / 3, nil
}

func ssim(x, y []float64) float64 {
	c1 := (ssimK1 * dataRange) * (ssimK1 * dataRange)
	c2 := (ssimK2 * dataRange) * (ssimK2 * dataRange)

	muX, muY := stat.Mean(x, nil), stat.Mean(y, nil)
	var varX, varY, cov float64
	if len(x) > 1 {
		varX = stat.Variance(x, nil)
		varY = stat.Variance(y, nil)
		cov = stat.Covariance(x, y, nil)
	}

	num := (2*muX*muY + c1) * (2*cov + c2)
	den := (muX*muX + muY*muY + c1) * (varX + varY + c2)
	return num / den
}
