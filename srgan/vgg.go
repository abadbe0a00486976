package srgan

import (
	"fmt"
	"io"

	"github.com/tsawler/go-srgan/checkpoints"
	"github.com/tsawler/go-srgan/engine"
)

// NewFeatureExtractor builds the truncated VGG19 trunk. Weights are read
// from the ONNX file at weightsPath; without one the trunk keeps its seeded
// random initialisation and a warning is written to out.
func NewFeatureExtractor(featureLayer, weightsPath string, seed int64, out io.Writer) (*engine.Model, error) {
	spec, err := BuildVGG19Spec(featureLayer)
	if err != nil {
		return nil, fmt.Errorf("failed to build feature extractor: %w", err)
	}
	model, err := engine.NewModel(spec, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature extractor: %w", err)
	}

	if weightsPath == "" {
		fmt.Fprintf(out, "Warning: no VGG19 weights given, perceptual loss uses randomly initialised features\n")
		return model, nil
	}

	graph, err := checkpoints.NewONNXImporter().ImportFromONNX(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read VGG19 weights: %w", err)
	}
	n, err := checkpoints.ImportConvWeights(model, graph)
	if err != nil {
		return nil, fmt.Errorf("failed to import VGG19 weights: %w", err)
	}
	fmt.Fprintf(out, "Loaded %d VGG19 convolution layers from %s\n", n, weightsPath)
	return model, nil
}
