package training

import (
	"math"
)

// LRScheduler picks the learning rate for the next pretraining epoch from
// the base rate and the monitored metric of the epoch just finished
type LRScheduler interface {
	// LearningRate returns the rate for epoch
	LearningRate(epoch int, baseLR, metric float64) float64

	// Name returns the scheduler name for logging
	Name() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) LearningRate(epoch int, baseLR, _ float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) Name() string {
	return "StepLR"
}

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax epochs
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) LearningRate(epoch int, baseLR, _ float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) Name() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler multiplies the rate by Factor once the
// metric has failed to improve by Threshold for Patience epochs. Lower
// metrics are better. Non-finite metrics count as no improvement.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64

	best        float64
	badEpochs   int
	scale       float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold, minLR float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		MinLR:     minLR,
		scale:     1,
	}
}

func (s *ReduceLROnPlateauScheduler) LearningRate(_ int, baseLR, metric float64) float64 {
	switch {
	case !isFinite(metric):
		s.badEpochs++
	case !s.initialized:
		s.best = metric
		s.initialized = true
	case metric < s.best-s.Threshold:
		s.best = metric
		s.badEpochs = 0
	default:
		s.badEpochs++
	}

	if s.badEpochs >= s.Patience {
		s.scale *= s.Factor
		s.badEpochs = 0
	}
	return math.Max(baseLR*s.scale, s.MinLR)
}

func (s *ReduceLROnPlateauScheduler) Name() string {
	return "ReduceLROnPlateau"
}
