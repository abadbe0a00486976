package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-srgan/engine"
	"github.com/tsawler/go-srgan/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a model state including weights, optional optimizer
// state and training metadata
type Checkpoint struct {
	// Model architecture (JSON format only) and weights
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter or buffer with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "beta", "alpha", "running_mean", ...
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	ModelName   string    `json:"model_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the format this saver writes
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete model checkpoint, creating parent directories
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-srgan"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProto:
		return cs.saveProto(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProto:
		return cs.loadProto(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadAnyCheckpoint detects the file format and loads the checkpoint
func LoadAnyCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return decodeJSON(data)
	}
	return decodeProto(data)
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return decodeJSON(data)
}

func decodeJSON(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (cs *CheckpointSaver) saveProto(checkpoint *Checkpoint, path string) error {
	data, err := encodeProto(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadProto(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return decodeProto(data)
}

// ExtractWeights copies a model's parameters followed by its buffers
func ExtractWeights(model *engine.Model) []WeightTensor {
	var weights []WeightTensor

	for _, p := range model.Parameters() {
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
			Layer: p.Layer,
			Type:  p.Kind,
		})
	}
	for _, b := range model.Buffers() {
		weights = append(weights, WeightTensor{
			Name:  b.Name,
			Shape: append([]int(nil), b.Value.Shape...),
			Data:  append([]float32(nil), b.Value.Data...),
			Layer: b.Layer,
			Type:  b.Kind,
		})
	}

	return weights
}

// LoadWeights copies weights into the model by name. Every parameter and
// buffer of the model must be present with a matching shape.
func LoadWeights(model *engine.Model, weights []WeightTensor) error {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	type target struct {
		name  string
		shape []int
		data  []float32
	}
	var targets []target
	for _, p := range model.Parameters() {
		targets = append(targets, target{p.Name, p.Value.Shape, p.Value.Data})
	}
	for _, b := range model.Buffers() {
		targets = append(targets, target{b.Name, b.Value.Shape, b.Value.Data})
	}

	// validate everything before touching the model
	for _, t := range targets {
		weight, ok := weightMap[t.name]
		if !ok {
			return fmt.Errorf("weight %s missing from checkpoint", t.name)
		}
		if len(t.shape) != len(weight.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: model %v vs checkpoint %v", t.name, t.shape, weight.Shape)
		}
		for j, dim := range t.shape {
			if dim != weight.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: model %d vs checkpoint %d",
					t.name, j, dim, weight.Shape[j])
			}
		}
		if len(weight.Data) != len(t.data) {
			return fmt.Errorf("weight %s has %d values, expected %d", t.name, len(weight.Data), len(t.data))
		}
	}

	for _, t := range targets {
		copy(t.data, weightMap[t.name].Data)
	}
	return nil
}

// SaveModelWeights writes a weights-only checkpoint for model
func SaveModelWeights(model *engine.Model, path string, format CheckpointFormat, state TrainingState) error {
	checkpoint := &Checkpoint{
		Weights:       ExtractWeights(model),
		TrainingState: state,
		Metadata: CheckpointMetadata{
			ModelName: model.Spec().Name,
		},
	}
	if format == FormatJSON {
		checkpoint.ModelSpec = model.Spec()
	}
	return NewCheckpointSaver(format).SaveCheckpoint(checkpoint, path)
}

// LoadModelWeights reads a checkpoint of either format into model
func LoadModelWeights(model *engine.Model, path string) (*Checkpoint, error) {
	checkpoint, err := LoadAnyCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if err := LoadWeights(model, checkpoint.Weights); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return checkpoint, nil
}

// WeightFileName builds "{prefix}_{network}_{F}X_epoch{E}.h5". A negative
// epoch is written as None.
func WeightFileName(prefix, network string, factor, epoch int) string {
	e := "None"
	if epoch >= 0 {
		e = fmt.Sprintf("%d", epoch)
	}
	return fmt.Sprintf("%s_%s_%dX_epoch%s.h5", prefix, network, factor, e)
}
