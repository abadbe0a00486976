package srgan

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-srgan/engine"
	"github.com/tsawler/go-srgan/tensor"
)

// ErrFeatureMismatch is returned when an external feature source does not
// compute the same features as the in-process extractor
var ErrFeatureMismatch = errors.New("feature source does not match the feature extractor")

// featureTolerance bounds the allowed difference relative to the largest
// reference activation
const featureTolerance = 1e-3

// FeatureSource computes perceptual targets for real HR batches in [-1,1].
// The generated branch always goes through FeatureExtractor, so a source
// must be numerically the same network with the same weights.
type FeatureSource interface {
	Features(hr *tensor.Tensor) (*tensor.Tensor, error)
}

type modelFeatures struct {
	model *engine.Model
}

func (m modelFeatures) Features(hr *tensor.Tensor) (*tensor.Tensor, error) {
	return m.model.Frozen().Predict(hr)
}

// SetTargets routes real-image targets through src. The in-process
// extractor must have been loaded from FeatureWeightsPath, and src must
// reproduce its features on a seeded HR batch. A nil src restores the
// in-process extractor.
func (s *SRGAN) SetTargets(src FeatureSource) error {
	if src == nil {
		s.targets = nil
		return nil
	}
	if s.FeatureExtractor == nil {
		return fmt.Errorf("feature source given but the network was built without training mode")
	}
	if s.config.FeatureWeightsPath == "" {
		return fmt.Errorf("%w: the extractor has random weights, set FeatureWeightsPath to the same VGG19", ErrFeatureMismatch)
	}

	hr, err := tensor.RandomUniform([]int{1, s.config.Channels, s.config.HeightHR(), s.config.WidthHR()},
		-1, 1, rand.New(rand.NewSource(s.config.Seed)))
	if err != nil {
		return err
	}
	want, err := modelFeatures{s.FeatureExtractor}.Features(hr)
	if err != nil {
		return err
	}
	got, err := src.Features(hr)
	if err != nil {
		return fmt.Errorf("feature source: %w", err)
	}
	if !got.SameShape(want) {
		return fmt.Errorf("%w: shape %v, want %v", ErrFeatureMismatch, got.Shape, want.Shape)
	}

	lo, hi := tensor.MinMax(want)
	limit := featureTolerance * math.Max(math.Abs(float64(lo)), math.Abs(float64(hi)))
	for i, v := range want.Data {
		if d := math.Abs(float64(got.Data[i] - v)); d > limit+1e-6 {
			return fmt.Errorf("%w: element %d differs by %.3g", ErrFeatureMismatch, i, d)
		}
	}

	s.targets = src
	return nil
}

// TargetFeatures computes perceptual targets with the configured source,
// falling back to the in-process feature extractor
func (s *SRGAN) TargetFeatures(hr *tensor.Tensor) (*tensor.Tensor, error) {
	if s.targets != nil {
		return s.targets.Features(hr)
	}
	return modelFeatures{s.FeatureExtractor}.Features(hr)
}
