package preprocessing

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/disintegration/gift"
	"github.com/nfnt/resize"
)

// ErrImageTooSmall is returned when a crop does not fit inside the source
var ErrImageTooSmall = errors.New("image is smaller than the requested crop")

// ResampleFilter selects the interpolation used to create low-resolution images
type ResampleFilter int

const (
	Nearest ResampleFilter = iota
	Bilinear
	Bicubic
	Lanczos
)

// TrainingFilters is the set drawn from when building training pairs
var TrainingFilters = []ResampleFilter{Nearest, Bilinear, Bicubic, Lanczos}

func (f ResampleFilter) String() string {
	switch f {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Bicubic:
		return "bicubic"
	case Lanczos:
		return "lanczos"
	default:
		return fmt.Sprintf("ResampleFilter(%d)", int(f))
	}
}

func (f ResampleFilter) interpolation() resize.InterpolationFunction {
	switch f {
	case Nearest:
		return resize.NearestNeighbor
	case Bilinear:
		return resize.Bilinear
	case Lanczos:
		return resize.Lanczos3
	default:
		return resize.Bicubic
	}
}

// RandomFilter draws a filter uniformly from filters
func RandomFilter(filters []ResampleFilter, rng *rand.Rand) ResampleFilter {
	if len(filters) == 0 {
		return Bicubic
	}
	return filters[rng.Intn(len(filters))]
}

// toNRGBA converts any image to a zero-origin NRGBA image. Colour models
// without alpha (gray, paletted, CMYK, YCbCr) come out opaque.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	g := gift.New()
	dst := image.NewNRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// Decode reads a jpeg or png image as 8-bit RGB(A)
func Decode(r io.Reader) (*image.NRGBA, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return toNRGBA(img), nil
}

// LoadImage opens and decodes the image at path
func LoadImage(path string) (*image.NRGBA, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// FlipHorizontal mirrors the image left to right
func FlipHorizontal(img image.Image) *image.NRGBA {
	g := gift.New(gift.FlipHorizontal())
	dst := image.NewNRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// RandomCrop cuts a height x width window at a uniformly random valid offset
func RandomCrop(img image.Image, height, width int, rng *rand.Rand) (*image.NRGBA, error) {
	b := img.Bounds()
	if b.Dx() < width || b.Dy() < height {
		return nil, fmt.Errorf("%w: %dx%d from %dx%d", ErrImageTooSmall, width, height, b.Dx(), b.Dy())
	}
	x := b.Min.X + rng.Intn(b.Dx()-width+1)
	y := b.Min.Y + rng.Intn(b.Dy()-height+1)
	return crop(img, image.Rect(x, y, x+width, y+height)), nil
}

// TrimToMultiple crops the bottom and right edges so both dimensions are
// multiples of factor
func TrimToMultiple(img image.Image, factor int) (*image.NRGBA, error) {
	b := img.Bounds()
	w, h := b.Dx()-b.Dx()%factor, b.Dy()-b.Dy()%factor
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: %dx%d cannot be reduced by %d", ErrImageTooSmall, b.Dx(), b.Dy(), factor)
	}
	return crop(img, image.Rect(b.Min.X, b.Min.Y, b.Min.X+w, b.Min.Y+h)), nil
}

func crop(img image.Image, rect image.Rectangle) *image.NRGBA {
	g := gift.New(gift.Crop(rect))
	dst := image.NewNRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// Downsample shrinks img by factor using filter
func Downsample(img image.Image, factor int, filter ResampleFilter) (*image.NRGBA, error) {
	if factor < 1 {
		return nil, fmt.Errorf("invalid downsampling factor %d", factor)
	}
	b := img.Bounds()
	w, h := b.Dx()/factor, b.Dy()/factor
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: %dx%d cannot be reduced by %d", ErrImageTooSmall, b.Dx(), b.Dy(), factor)
	}
	return toNRGBA(resize.Resize(uint(w), uint(h), img, filter.interpolation())), nil
}

// Upsample enlarges img by factor with bicubic interpolation
func Upsample(img image.Image, factor int) *image.NRGBA {
	b := img.Bounds()
	g := gift.New(gift.Resize(b.Dx()*factor, b.Dy()*factor, gift.CubicResampling))
	dst := image.NewNRGBA(g.Bounds(b))
	g.Draw(dst, img)
	return dst
}

// ProcessorConfig describes how training pairs are cut from source images
type ProcessorConfig struct {
	HeightHR int
	WidthHR  int
	Scale    int
	Flip     bool             // mirror the source with probability 1/2
	Filters  []ResampleFilter // drawn uniformly per pair
}

// CropPair is one high-resolution crop and its down-sampled counterpart
type CropPair struct {
	HR     *image.NRGBA
	LR     *image.NRGBA
	Filter ResampleFilter
}

// ImageProcessor cuts training pairs from decoded images. It holds no
// random state; callers pass their own generator.
type ImageProcessor struct {
	config ProcessorConfig
}

// NewImageProcessor validates config and creates a processor
func NewImageProcessor(config ProcessorConfig) (*ImageProcessor, error) {
	if config.Scale < 1 {
		return nil, fmt.Errorf("invalid scale %d", config.Scale)
	}
	if config.HeightHR <= 0 || config.WidthHR <= 0 {
		return nil, fmt.Errorf("invalid crop size %dx%d", config.WidthHR, config.HeightHR)
	}
	if config.HeightHR%config.Scale != 0 || config.WidthHR%config.Scale != 0 {
		return nil, fmt.Errorf("crop size %dx%d is not divisible by scale %d", config.WidthHR, config.HeightHR, config.Scale)
	}
	if len(config.Filters) == 0 {
		config.Filters = TrainingFilters
	}
	return &ImageProcessor{config: config}, nil
}

// Config returns the processor configuration
func (p *ImageProcessor) Config() ProcessorConfig {
	return p.config
}

// MaybeFlip mirrors img with probability 1/2 when flipping is enabled
func (p *ImageProcessor) MaybeFlip(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	if p.config.Flip && rng.Intn(2) == 1 {
		return FlipHorizontal(img)
	}
	return img
}

// RandomPair crops one HR window and down-samples it with a random filter
func (p *ImageProcessor) RandomPair(img *image.NRGBA, rng *rand.Rand) (*CropPair, error) {
	hr, err := RandomCrop(img, p.config.HeightHR, p.config.WidthHR, rng)
	if err != nil {
		return nil, err
	}
	filter := RandomFilter(p.config.Filters, rng)
	lr, err := Downsample(hr, p.config.Scale, filter)
	if err != nil {
		return nil, err
	}
	return &CropPair{HR: hr, LR: lr, Filter: filter}, nil
}

// DecodeFiles loads images concurrently. Failed entries are nil and their
// error is reported at the same index.
func DecodeFiles(paths []string, maxWorkers int) ([]*image.NRGBA, []error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*image.NRGBA, len(paths))
	errs := make([]error, len(paths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index], errs[j.index] = LoadImage(j.path)
			}
		}()
	}

	for i, path := range paths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()
	return results, errs
}
