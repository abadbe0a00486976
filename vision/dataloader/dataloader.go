package dataloader

import (
	"errors"
	"fmt"
	"image"
	"math/rand"
	"sync/atomic"

	"github.com/tsawler/go-srgan/tensor"
	"github.com/tsawler/go-srgan/vision/preprocessing"
)

// ErrInsufficientValidImages is returned when the pool cannot supply a full
// batch of valid crops within the retry bound
var ErrInsufficientValidImages = errors.New("insufficient valid images to fill batch")

// Dataset is an indexed pool of image paths
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, err error)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize     int
	HeightHR      int
	WidthHR       int
	Scale         int
	CropsPerImage int  // crops taken from each source image, default 1
	Flip          bool // random horizontal flip of each source image
	Filters       []preprocessing.ResampleFilter
	MaxAttempts   int           // file attempts per batch, default 10 x pool size
	CacheSize     int           // decoded images kept in memory, 0 disables caching
	DecodeWorkers int           // parallel decoders for LoadPairs
	CacheManager  *CacheManager // shared cache, overrides CacheSize
}

// Batch is one training batch: LR [B,3,h,w] in [0,1], HR [B,3,h*F,w*F] in [-1,1]
type Batch struct {
	Index int
	LR    *tensor.Tensor
	HR    *tensor.Tensor
}

// Pair is one evaluation image at native size, each tensor [1,3,h,w]
type Pair struct {
	Path string
	LR   *tensor.Tensor
	HR   *tensor.Tensor
}

// Stats reports loader activity
type Stats struct {
	Batches int64
	Pairs   int64
	Skipped int64 // unreadable or undersized files
	Cache   CacheStats
}

// DataLoader assembles batches of random crop pairs from an image pool. It
// keeps no cursor between calls, so LoadBatch is safe for concurrent use
// as long as each caller passes its own random generator.
type DataLoader struct {
	dataset      Dataset
	config       Config
	processor    *preprocessing.ImageProcessor
	cacheManager *CacheManager

	batches atomic.Int64
	pairs   atomic.Int64
	skipped atomic.Int64
}

// NewDataLoader validates config and creates a data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.CropsPerImage <= 0 {
		config.CropsPerImage = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10 * dataset.Len()
	}
	if config.DecodeWorkers <= 0 {
		config.DecodeWorkers = 1
	}

	processor, err := preprocessing.NewImageProcessor(preprocessing.ProcessorConfig{
		HeightHR: config.HeightHR,
		WidthHR:  config.WidthHR,
		Scale:    config.Scale,
		Flip:     config.Flip,
		Filters:  config.Filters,
	})
	if err != nil {
		return nil, err
	}

	cacheManager := config.CacheManager
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.CacheSize)
	}

	return &DataLoader{
		dataset:      dataset,
		config:       config,
		processor:    processor,
		cacheManager: cacheManager,
	}, nil
}

// NewSharedDataLoaders creates train and validation loaders sharing one
// decoded-image cache of config.CacheSize images. The validation loader
// never flips and sizes its own retry budget.
func NewSharedDataLoaders(trainDataset, valDataset Dataset, config Config) (*DataLoader, *DataLoader, error) {
	sharedCache := config.CacheManager
	if sharedCache == nil {
		sharedCache = NewCacheManager(config.CacheSize)
	}

	trainConfig := config
	trainConfig.CacheManager = sharedCache
	trainLoader, err := NewDataLoader(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("train loader: %w", err)
	}

	valConfig := config
	valConfig.CacheManager = sharedCache
	valConfig.Flip = false
	valConfig.MaxAttempts = 0
	valLoader, err := NewDataLoader(valDataset, valConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("validation loader: %w", err)
	}

	return trainLoader, valLoader, nil
}

// Len returns the number of full batches per pass over the pool
func (dl *DataLoader) Len() int {
	return dl.dataset.Len() / dl.config.BatchSize
}

// Config returns the effective configuration
func (dl *DataLoader) Config() Config {
	return dl.config
}

// LoadBatch assembles batch index. The cursor starts at index*BatchSize,
// wraps around the pool and skips files that cannot be read or are smaller
// than the crop. Indices past Len wrap; negative indices are rejected.
func (dl *DataLoader) LoadBatch(index int, rng *rand.Rand) (*Batch, error) {
	if index < 0 {
		return nil, fmt.Errorf("negative batch index %d", index)
	}
	if rng == nil {
		return nil, fmt.Errorf("random generator is required")
	}

	b := dl.config.BatchSize
	h, w, f := dl.config.HeightHR, dl.config.WidthHR, dl.config.Scale
	hrImg, err := tensor.Zeros([]int{b, 3, h, w})
	if err != nil {
		return nil, err
	}
	lrImg, err := tensor.Zeros([]int{b, 3, h / f, w / f})
	if err != nil {
		return nil, err
	}
	hrSize := 3 * h * w
	lrSize := hrSize / (f * f)

	n := dl.dataset.Len()
	cursor := ((index % n) * (b % n)) % n
	filled := 0
	attempts := 0
	lapProduced := false

	for filled < b {
		if attempts >= dl.config.MaxAttempts {
			return nil, fmt.Errorf("%w: batch %d has %d of %d crops after %d attempts",
				ErrInsufficientValidImages, index, filled, b, attempts)
		}

		path, err := dl.dataset.GetItem(cursor)
		cursor = (cursor + 1) % n
		attempts++

		var img *image.NRGBA
		if err == nil {
			img, err = dl.loadImage(path)
		}
		if err != nil {
			dl.skipped.Add(1)
		} else {
			img = dl.processor.MaybeFlip(img, rng)
			for c := 0; c < dl.config.CropsPerImage && filled < b; c++ {
				pair, err := dl.processor.RandomPair(img, rng)
				if err != nil {
					dl.skipped.Add(1)
					break
				}
				if err := preprocessing.WriteScaled(pair.HR, hrImg.Data[filled*hrSize:(filled+1)*hrSize], preprocessing.RangeHR); err != nil {
					return nil, err
				}
				if err := preprocessing.WriteScaled(pair.LR, lrImg.Data[filled*lrSize:(filled+1)*lrSize], preprocessing.RangeLR); err != nil {
					return nil, err
				}
				filled++
				lapProduced = true
			}
		}

		// a full lap without a single valid crop cannot succeed later
		if attempts%n == 0 {
			if !lapProduced {
				return nil, fmt.Errorf("%w: no usable image in a pass over %d files", ErrInsufficientValidImages, n)
			}
			lapProduced = false
		}
	}

	dl.batches.Add(1)
	return &Batch{Index: index, LR: lrImg, HR: hrImg}, nil
}

// loadImage decodes path, consulting the cache first
func (dl *DataLoader) loadImage(path string) (*image.NRGBA, error) {
	if img, ok := dl.cacheManager.Get(path); ok {
		return img, nil
	}
	img, err := preprocessing.LoadImage(path)
	if err != nil {
		return nil, err
	}
	dl.cacheManager.Put(path, img)
	return img, nil
}

// LoadPairs loads whole images for evaluation: no flip, no crop, HR
// trimmed to a multiple of the scale. With bicubic false the down-sampling
// filter is drawn from the configured set using rng. Unreadable files are
// skipped and returned in skipped.
func (dl *DataLoader) LoadPairs(paths []string, bicubic bool, rng *rand.Rand) (pairs []Pair, skipped []string, err error) {
	if !bicubic && rng == nil {
		return nil, nil, fmt.Errorf("random generator is required for random filters")
	}

	images, errs := preprocessing.DecodeFiles(paths, dl.config.DecodeWorkers)
	for i, img := range images {
		if errs[i] != nil {
			skipped = append(skipped, paths[i])
			dl.skipped.Add(1)
			continue
		}

		filter := preprocessing.Bicubic
		if !bicubic {
			filter = preprocessing.RandomFilter(dl.processor.Config().Filters, rng)
		}
		pair, err := LoadPair(img, dl.config.Scale, filter)
		if err != nil {
			skipped = append(skipped, paths[i])
			dl.skipped.Add(1)
			continue
		}
		pair.Path = paths[i]
		pairs = append(pairs, *pair)
	}

	dl.pairs.Add(int64(len(pairs)))
	return pairs, skipped, nil
}

// LoadPair converts one image into an evaluation pair
func LoadPair(img *image.NRGBA, scale int, filter preprocessing.ResampleFilter) (*Pair, error) {
	hr, err := preprocessing.TrimToMultiple(img, scale)
	if err != nil {
		return nil, err
	}
	lr, err := preprocessing.Downsample(hr, scale, filter)
	if err != nil {
		return nil, err
	}
	hrT, err := preprocessing.ImageToTensor(hr, preprocessing.RangeHR)
	if err != nil {
		return nil, err
	}
	lrT, err := preprocessing.ImageToTensor(lr, preprocessing.RangeLR)
	if err != nil {
		return nil, err
	}
	return &Pair{LR: lrT, HR: hrT}, nil
}

// Stats returns loader statistics
func (dl *DataLoader) Stats() Stats {
	return Stats{
		Batches: dl.batches.Load(),
		Pairs:   dl.pairs.Load(),
		Skipped: dl.skipped.Load(),
		Cache:   dl.cacheManager.Stats(),
	}
}

// ClearCache clears the image cache
func (dl *DataLoader) ClearCache() {
	dl.cacheManager.Clear()
}
