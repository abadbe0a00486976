package srgan

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrInvalidUpscalingFactor is returned for factors other than 2, 4 or 8
var ErrInvalidUpscalingFactor = errors.New("upscaling factor must be 2, 4 or 8")

// DefaultFeatureLayer is the last VGG19 convolution before the final pool
const DefaultFeatureLayer = "block5_conv4"

// Config describes the SRGAN networks and their optimizers
type Config struct {
	HeightLR        int
	WidthLR         int
	Channels        int
	UpscalingFactor int

	GenLR float32 // generator pretraining and composite learning rate
	DisLR float32 // discriminator learning rate

	// LossWeights scales the adversarial and perceptual terms of the
	// composite objective
	LossWeights [2]float32

	// TrainingMode builds the discriminator, feature extractor and
	// composite. Without it only the generator exists.
	TrainingMode bool

	ResidualBlocks       int
	GeneratorFilters     int
	DiscriminatorFilters int
	BatchNormMomentum    float32 // weight of the current batch in running statistics

	FeatureLayer       string
	FeatureWeightsPath string // ONNX VGG19 file; empty means random initialisation

	Seed   int64
	Output io.Writer
}

// DefaultConfig returns the configuration used by the paper: 24x24 inputs
// upscaled 4x, 16 residual blocks and VGG features scaled by 1/12.75
func DefaultConfig() Config {
	return Config{
		HeightLR:             24,
		WidthLR:              24,
		Channels:             3,
		UpscalingFactor:      4,
		GenLR:                1e-4,
		DisLR:                1e-4,
		LossWeights:          [2]float32{1e-3, 6e-3},
		TrainingMode:         true,
		ResidualBlocks:       16,
		GeneratorFilters:     64,
		DiscriminatorFilters: 64,
		BatchNormMomentum:    0.2,
		FeatureLayer:         DefaultFeatureLayer,
		Seed:                 1,
		Output:               os.Stdout,
	}
}

// Validate checks the configuration and fills zero values with defaults
func (c *Config) Validate() error {
	switch c.UpscalingFactor {
	case 2, 4, 8:
	default:
		return fmt.Errorf("%w, got %d", ErrInvalidUpscalingFactor, c.UpscalingFactor)
	}

	d := DefaultConfig()
	if c.Channels == 0 {
		c.Channels = d.Channels
	}
	if c.Channels != 3 {
		return fmt.Errorf("only 3-channel images are supported, got %d", c.Channels)
	}
	if c.HeightLR <= 0 || c.WidthLR <= 0 {
		return fmt.Errorf("invalid low-resolution size %dx%d", c.WidthLR, c.HeightLR)
	}
	if c.GenLR <= 0 {
		c.GenLR = d.GenLR
	}
	if c.DisLR <= 0 {
		c.DisLR = d.DisLR
	}
	if c.LossWeights == [2]float32{} {
		c.LossWeights = d.LossWeights
	}
	if c.ResidualBlocks <= 0 {
		c.ResidualBlocks = d.ResidualBlocks
	}
	if c.GeneratorFilters <= 0 {
		c.GeneratorFilters = d.GeneratorFilters
	}
	if c.DiscriminatorFilters <= 0 {
		c.DiscriminatorFilters = d.DiscriminatorFilters
	}
	if c.BatchNormMomentum <= 0 || c.BatchNormMomentum > 1 {
		c.BatchNormMomentum = d.BatchNormMomentum
	}
	if c.FeatureLayer == "" {
		c.FeatureLayer = d.FeatureLayer
	}
	if c.Output == nil {
		c.Output = io.Discard
	}
	return nil
}

// HeightHR returns the high-resolution height
func (c Config) HeightHR() int { return c.HeightLR * c.UpscalingFactor }

// WidthHR returns the high-resolution width
func (c Config) WidthHR() int { return c.WidthLR * c.UpscalingFactor }
