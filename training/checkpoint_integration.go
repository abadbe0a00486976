package training

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/tsawler/go-srgan/checkpoints"
	"github.com/tsawler/go-srgan/engine"
	"github.com/tsawler/go-srgan/optimizer"
	"github.com/tsawler/go-srgan/srgan"
)

// BestSelector decides whether a candidate metric beats the best so far
type BestSelector interface {
	Better(candidate, best float64) bool
}

// LowerIsBetter keeps the checkpoint with the smallest metric, such as a
// validation loss
type LowerIsBetter struct{}

// Better reports candidate < best
func (LowerIsBetter) Better(candidate, best float64) bool { return candidate < best }

// HigherIsBetter keeps the checkpoint with the largest metric, such as PSNR
type HigherIsBetter struct{}

// Better reports candidate > best
func (HigherIsBetter) Better(candidate, best float64) bool { return candidate > best }

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	Directory      string       // where weight files are written
	DataName       string       // dataset tag used as the file prefix
	MaxCheckpoints int          // periodic checkpoints kept, 0 = unlimited
	Selector       BestSelector // default LowerIsBetter
	Format         checkpoints.CheckpointFormat
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Directory: "./data/weights",
		DataName:  "train",
		Selector:  LowerIsBetter{},
		Format:    checkpoints.FormatProto,
	}
}

// CheckpointManager writes periodic SRGAN weights and the best generator
type CheckpointManager struct {
	config     CheckpointConfig
	out        io.Writer
	best       float64
	hasBest    bool
	bestFile   string
	savedFiles [][]string
}

// BestTag marks checkpoints written by SaveBest
const BestTag = "best"

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig, out io.Writer) *CheckpointManager {
	if config.Selector == nil {
		config.Selector = LowerIsBetter{}
	}
	if out == nil {
		out = io.Discard
	}
	return &CheckpointManager{config: config, out: out}
}

// Prefix returns the path prefix of weight files
func (cm *CheckpointManager) Prefix() string {
	return filepath.Join(cm.config.Directory, cm.config.DataName)
}

// BestPath returns where the best generator is kept
func (cm *CheckpointManager) BestPath(factor int) string {
	return fmt.Sprintf("%s_%dX.h5", cm.Prefix(), factor)
}

// Best returns the best metric seen, if any
func (cm *CheckpointManager) Best() (float64, bool) {
	return cm.best, cm.hasBest
}

// BestFile returns where the current best generator lives, "" if none
func (cm *CheckpointManager) BestFile() string {
	return cm.bestFile
}

// SetBest seeds the best metric with one recorded at path, typically the
// checkpoint a run resumes from. Non-finite metrics are ignored.
func (cm *CheckpointManager) SetBest(metric float64, path string) {
	if math.IsNaN(metric) || math.IsInf(metric, 0) {
		return
	}
	cm.best, cm.hasBest, cm.bestFile = metric, true, path
}

// SaveIteration writes generator and discriminator weights tagged with
// iteration and prunes the oldest sets beyond MaxCheckpoints
func (cm *CheckpointManager) SaveIteration(net *srgan.SRGAN, iteration int) error {
	if err := net.SaveWeights(cm.Prefix(), iteration); err != nil {
		return err
	}

	factor := net.Config().UpscalingFactor
	files := []string{checkpoints.WeightFileName(cm.Prefix(), "generator", factor, iteration)}
	if net.Discriminator != nil {
		files = append(files, checkpoints.WeightFileName(cm.Prefix(), "discriminator", factor, iteration))
	}
	cm.savedFiles = append(cm.savedFiles, files)

	if err := cm.cleanupOldCheckpoints(); err != nil {
		fmt.Fprintf(cm.out, "Warning: failed to cleanup old checkpoints: %v\n", err)
	}
	return nil
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 {
		return nil
	}
	for len(cm.savedFiles) > cm.config.MaxCheckpoints {
		for _, f := range cm.savedFiles[0] {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		cm.savedFiles = cm.savedFiles[1:]
	}
	return nil
}

// SaveBest writes the generator with its optimizer state when metric beats
// the best so far. Non-finite metrics never win.
func (cm *CheckpointManager) SaveBest(generator *engine.Model, opt *optimizer.AdamOptimizerState, factor, epoch int, metric float64) (bool, error) {
	if math.IsNaN(metric) || math.IsInf(metric, 0) {
		return false, nil
	}
	if cm.hasBest && !cm.config.Selector.Better(metric, cm.best) {
		return false, nil
	}

	checkpoint := &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(generator),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			LearningRate: opt.LearningRate,
			BestLoss:     float32(metric),
			TotalSteps:   int(opt.GetStepCount()),
		},
		Metadata: checkpoints.CheckpointMetadata{
			ModelName:   generator.Spec().Name,
			Description: fmt.Sprintf("Best checkpoint - metric: %.6f", metric),
			Tags:        []string{BestTag},
		},
	}
	state, err := opt.GetState()
	if err != nil {
		return false, fmt.Errorf("failed to capture optimizer state: %w", err)
	}
	checkpoint.OptimizerState = &checkpoints.OptimizerState{
		Type:       state.Type,
		Parameters: state.Parameters,
		StateData:  state.StateData,
	}

	path := cm.BestPath(factor)
	if err := checkpoints.NewCheckpointSaver(cm.config.Format).SaveCheckpoint(checkpoint, path); err != nil {
		return false, fmt.Errorf("failed to save best checkpoint: %w", err)
	}

	cm.best, cm.hasBest, cm.bestFile = metric, true, path
	return true, nil
}

// IsBestCheckpoint reports whether checkpoint was written by SaveBest and
// so carries a meaningful BestLoss
func IsBestCheckpoint(checkpoint *checkpoints.Checkpoint) bool {
	for _, tag := range checkpoint.Metadata.Tags {
		if tag == BestTag {
			return true
		}
	}
	return false
}

// ResumeGenerator restores generator weights and, when present, the
// optimizer state from a checkpoint written by SaveBest
func ResumeGenerator(path string, generator *engine.Model, opt *optimizer.AdamOptimizerState) (*checkpoints.Checkpoint, error) {
	checkpoint, err := checkpoints.LoadModelWeights(generator, path)
	if err != nil {
		return nil, err
	}
	if checkpoint.OptimizerState != nil && opt != nil {
		state := &optimizer.OptimizerState{
			Type:       checkpoint.OptimizerState.Type,
			Parameters: checkpoint.OptimizerState.Parameters,
			StateData:  checkpoint.OptimizerState.StateData,
		}
		if err := opt.LoadState(state); err != nil {
			return nil, fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	return checkpoint, nil
}
