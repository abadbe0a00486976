package srgan

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/tsawler/go-srgan/checkpoints"
	"github.com/tsawler/go-srgan/engine"
	"github.com/tsawler/go-srgan/optimizer"
	"github.com/tsawler/go-srgan/tensor"
)

// SRGAN owns the generator, discriminator and feature extractor together
// with the optimizers that update them. Only the generator exists when
// TrainingMode is off.
type SRGAN struct {
	config Config

	Generator        *engine.Model
	Discriminator    *engine.Model
	FeatureExtractor *engine.Model // always used through a frozen view
	Composite        *Composite

	// targets overrides the source of perceptual targets for real images
	targets FeatureSource

	// GeneratorOptimizer drives MSE pretraining; CompositeOptimizer drives
	// the adversarial phase. Both update the generator weights.
	GeneratorOptimizer     *optimizer.AdamOptimizerState
	CompositeOptimizer     *optimizer.AdamOptimizerState
	DiscriminatorOptimizer *optimizer.AdamOptimizerState
}

// New validates config and builds every network it asks for
func New(config Config) (*SRGAN, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &SRGAN{config: config}

	genSpec, err := BuildGeneratorSpec(config)
	if err != nil {
		return nil, fmt.Errorf("failed to build generator: %w", err)
	}
	if s.Generator, err = engine.NewModel(genSpec, config.Seed); err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}
	if s.GeneratorOptimizer, err = newAdam(s.Generator, config.GenLR); err != nil {
		return nil, fmt.Errorf("generator optimizer: %w", err)
	}

	if !config.TrainingMode {
		return s, nil
	}

	disSpec, err := BuildDiscriminatorSpec(config)
	if err != nil {
		return nil, fmt.Errorf("failed to build discriminator: %w", err)
	}
	if s.Discriminator, err = engine.NewModel(disSpec, config.Seed+1); err != nil {
		return nil, fmt.Errorf("failed to create discriminator: %w", err)
	}
	if s.DiscriminatorOptimizer, err = newAdam(s.Discriminator, config.DisLR); err != nil {
		return nil, fmt.Errorf("discriminator optimizer: %w", err)
	}

	if s.FeatureExtractor, err = NewFeatureExtractor(config.FeatureLayer, config.FeatureWeightsPath, config.Seed+2, config.Output); err != nil {
		return nil, err
	}

	s.Composite = NewComposite(s.Generator, s.Discriminator, s.FeatureExtractor)
	if s.CompositeOptimizer, err = newAdam(s.Generator, config.GenLR); err != nil {
		return nil, fmt.Errorf("composite optimizer: %w", err)
	}

	return s, nil
}

func newAdam(m *engine.Model, lr float32) (*optimizer.AdamOptimizerState, error) {
	params := m.Parameters()
	shapes := make([][]int, len(params))
	for i, p := range params {
		shapes[i] = p.Value.Shape
	}

	cfg := optimizer.DefaultAdamConfig()
	cfg.LearningRate = lr
	adam, err := optimizer.NewAdamOptimizer(cfg, shapes)
	if err != nil {
		return nil, err
	}
	if err := adam.SetWeightBuffers(m.WeightBuffers()); err != nil {
		return nil, err
	}
	return adam, nil
}

// Config returns the validated configuration
func (s *SRGAN) Config() Config {
	return s.config
}

// Output is where progress and warnings are written
func (s *SRGAN) Output() io.Writer {
	return s.config.Output
}

// Upscale runs the generator in inference mode. lr holds [0,1] pixels;
// the result holds [-1,1] pixels F times larger in each dimension.
func (s *SRGAN) Upscale(lr *tensor.Tensor) (*tensor.Tensor, error) {
	return s.Generator.Predict(lr)
}

// SaveWeights writes the generator and, when present, the discriminator to
// {prefix}_generator_{F}X_epoch{E}.h5 and its discriminator counterpart.
// A negative epoch is written as None.
func (s *SRGAN) SaveWeights(prefix string, epoch int) error {
	state := checkpoints.TrainingState{Epoch: epoch}

	genPath := checkpoints.WeightFileName(prefix, "generator", s.config.UpscalingFactor, epoch)
	if err := checkpoints.SaveModelWeights(s.Generator, genPath, checkpoints.FormatProto, state); err != nil {
		return fmt.Errorf("failed to save generator: %w", err)
	}

	if s.Discriminator != nil {
		disPath := checkpoints.WeightFileName(prefix, "discriminator", s.config.UpscalingFactor, epoch)
		if err := checkpoints.SaveModelWeights(s.Discriminator, disPath, checkpoints.FormatProto, state); err != nil {
			return fmt.Errorf("failed to save discriminator: %w", err)
		}
	}
	return nil
}

// LoadWeights restores the generator and discriminator from independent
// files. An empty path leaves that network untouched.
func (s *SRGAN) LoadWeights(generatorPath, discriminatorPath string) error {
	if generatorPath != "" {
		if _, err := checkpoints.LoadModelWeights(s.Generator, generatorPath); err != nil {
			return fmt.Errorf("failed to load generator weights from %s: %w", filepath.Base(generatorPath), err)
		}
	}
	if discriminatorPath != "" {
		if s.Discriminator == nil {
			return fmt.Errorf("discriminator weights given but the network was built without training mode")
		}
		if _, err := checkpoints.LoadModelWeights(s.Discriminator, discriminatorPath); err != nil {
			return fmt.Errorf("failed to load discriminator weights from %s: %w", filepath.Base(discriminatorPath), err)
		}
	}
	return nil
}

// SetWorkers bounds kernel parallelism in every network
func (s *SRGAN) SetWorkers(n int) {
	for _, m := range []*engine.Model{s.Generator, s.Discriminator, s.FeatureExtractor} {
		if m != nil {
			m.SetWorkers(n)
		}
	}
}
