//go:build ort

package srgan

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/tsawler/go-srgan/tensor"
)

// ORTFeatures computes perceptual targets with ONNX Runtime from a VGG19
// graph that takes NCHW BGR mean-centred pixels. Build with -tags ort.
type ORTFeatures struct {
	session *ort.DynamicAdvancedSession
	input   string
	output  string
}

// NewORTFeatures initialises the runtime from libPath and opens modelPath.
// Empty input or output names select the graph's first input and output.
func NewORTFeatures(libPath, modelPath, input, output string) (*ORTFeatures, error) {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("ORT init: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("VGG19 info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("VGG19 graph %s has no inputs or outputs", modelPath)
	}
	if input == "" {
		input = inputs[0].Name
	}
	if output == "" {
		output = outputs[0].Name
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{input}, []string{output}, opts)
	if err != nil {
		return nil, fmt.Errorf("VGG19 session: %w", err)
	}
	return &ORTFeatures{session: session, input: input, output: output}, nil
}

// Features converts hr to VGG pixels and runs the graph
func (o *ORTFeatures) Features(hr *tensor.Tensor) (*tensor.Tensor, error) {
	if len(hr.Shape) != 4 || hr.Shape[1] != 3 {
		return nil, fmt.Errorf("expected [B,3,H,W] input, got %v", hr.Shape)
	}
	b, h, w := hr.Shape[0], hr.Shape[2], hr.Shape[3]
	plane := h * w

	pixels := make([]float32, len(hr.Data))
	for n := 0; n < b; n++ {
		base := n * 3 * plane
		for c := 0; c < 3; c++ {
			src := hr.Data[base+(2-c)*plane : base+(3-c)*plane]
			dst := pixels[base+c*plane : base+(c+1)*plane]
			for i, v := range src {
				dst[i] = (v+1)*127.5 - vggMeanBGR[c]
			}
		}
	}

	in, err := ort.NewTensor(ort.NewShape(int64(b), 3, int64(h), int64(w)), pixels)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := make([]ort.Value, 1)
	if err := o.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, fmt.Errorf("VGG19 run: %w", err)
	}
	defer outputs[0].Destroy()

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("VGG19 output %s is not float32", o.output)
	}
	shape := make([]int, len(t.GetShape()))
	for i, d := range t.GetShape() {
		shape[i] = int(d)
	}
	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())
	return tensor.NewTensor(shape, data)
}

// Destroy releases the session
func (o *ORTFeatures) Destroy() error {
	return o.session.Destroy()
}
