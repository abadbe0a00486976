package layers

import (
	"reflect"
	"strings"
	"testing"
)

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		lt       LayerType
		expected string
	}{
		{Dense, "Dense"},
		{Conv2D, "Conv2D"},
		{PReLU, "PReLU"},
		{Add, "Add"},
		{DepthToSpace, "DepthToSpace"},
		{ChannelAffine, "ChannelAffine"},
		{LayerType(999), "Unknown"},
	}
	for _, test := range tests {
		if got := test.lt.String(); got != test.expected {
			t.Errorf("LayerType.String() = %s, expected %s", got, test.expected)
		}
	}
}

func TestSequentialCompile(t *testing.T) {
	model, err := NewModelBuilder([]int{8, 3, 32, 32}).
		AddConv2D(16, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddDense(10, true, "fc1").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	if !reflect.DeepEqual(model.Layers[0].OutputShape, []int{8, 16, 32, 32}) {
		t.Errorf("conv1 output = %v", model.Layers[0].OutputShape)
	}
	if !reflect.DeepEqual(model.Layers[2].OutputShape, []int{8, 16, 16, 16}) {
		t.Errorf("pool1 output = %v", model.Layers[2].OutputShape)
	}
	if !reflect.DeepEqual(model.OutputShape, []int{8, 10}) {
		t.Errorf("model output = %v", model.OutputShape)
	}

	expected := int64(16*3*9 + 16 + 16*16*16*10 + 10)
	if model.TotalParameters != expected {
		t.Errorf("TotalParameters = %d, expected %d", model.TotalParameters, expected)
	}
	if !reflect.DeepEqual(model.Layers[0].ParameterKinds, []string{"weight", "bias"}) {
		t.Errorf("conv1 kinds = %v", model.Layers[0].ParameterKinds)
	}
	if model.Layers[0].Inputs[0] != InputName || model.Layers[1].Inputs[0] != "conv1" {
		t.Errorf("default inputs not resolved: %v %v", model.Layers[0].Inputs, model.Layers[1].Inputs)
	}
}

func TestResidualGraph(t *testing.T) {
	mb := NewModelBuilder([]int{-1, 3, -1, -1})
	mb.AddConv2D(8, 3, 1, 1, true, "stem").AddPReLU("stem_act")
	mb.AddConv2D(8, 3, 1, 1, true, "res_conv").
		AddBatchNorm(8, 1e-3, 0.2, "res_bn").
		AddSum("res_add", "res_bn", "stem_act").
		AddConv2D(32, 3, 1, 1, true, "up_conv").
		AddDepthToSpace(2, "up_shuffle").
		AddTanh("out")

	model, err := mb.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !reflect.DeepEqual(model.OutputShape, []int{-1, 8, -1, -1}) {
		t.Errorf("output shape = %v", model.OutputShape)
	}
	add := model.Layers[model.LayerIndex("res_add")]
	if !reflect.DeepEqual(add.Inputs, []string{"res_bn", "stem_act"}) {
		t.Errorf("Add inputs = %v", add.Inputs)
	}
	prelu := model.Layers[model.LayerIndex("stem_act")]
	if !reflect.DeepEqual(prelu.ParameterShapes, [][]int{{8}}) {
		t.Errorf("PReLU params = %v", prelu.ParameterShapes)
	}
}

func TestFromRoutesInputs(t *testing.T) {
	model, err := NewModelBuilder([]int{1, 4}).
		AddDense(4, false, "a").
		AddDense(4, false, "b").
		From("a").AddDense(2, false, "c").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if model.Layers[2].Inputs[0] != "a" {
		t.Errorf("From not applied: %v", model.Layers[2].Inputs)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *ModelBuilder
		want  string
	}{
		{"empty", func() *ModelBuilder { return NewModelBuilder([]int{1, 3, 8, 8}) }, "empty"},
		{"unknown input", func() *ModelBuilder {
			return NewModelBuilder([]int{1, 3, 8, 8}).AddSum("s", "x", "y")
		}, "unknown input"},
		{"duplicate", func() *ModelBuilder {
			return NewModelBuilder([]int{1, 3, 8, 8}).AddReLU("r").AddReLU("r")
		}, "duplicate"},
		{"add mismatch", func() *ModelBuilder {
			return NewModelBuilder([]int{1, 3, 8, 8}).
				AddConv2D(4, 3, 1, 1, true, "c").
				AddSum("s", "c", InputName)
		}, "shapes differ"},
		{"depth to space channels", func() *ModelBuilder {
			return NewModelBuilder([]int{1, 3, 8, 8}).AddDepthToSpace(2, "d")
		}, "divisible"},
		{"dynamic dense", func() *ModelBuilder {
			return NewModelBuilder([]int{1, 3, -1, -1}).AddDense(2, true, "d")
		}, "static"},
		{"kernel too large", func() *ModelBuilder {
			return NewModelBuilder([]int{1, 3, 2, 2}).AddConv2D(4, 5, 1, 0, true, "c")
		}, "too small"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.build().Compile()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestChannelAffineAndTruncate(t *testing.T) {
	model, err := NewModelBuilder([]int{-1, 3, 16, 16}).
		AddChannelAffine([]int{2, 1, 0}, []float32{127.5, 127.5, 127.5}, []float32{1, 2, 3}, "pre").
		AddConv2D(4, 3, 1, 1, true, "c1").
		AddConv2D(4, 3, 1, 1, true, "c2").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	cut, err := model.Truncate("c1")
	if err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if len(cut.Layers) != 2 || cut.TotalParameters != int64(4*3*9+4) {
		t.Errorf("Truncate kept %d layers and %d params", len(cut.Layers), cut.TotalParameters)
	}
	if _, err := model.Truncate("missing"); err == nil {
		t.Error("expected error for unknown layer")
	}

	if _, err := NewModelBuilder([]int{-1, 3, 4, 4}).
		AddChannelAffine([]int{0, 1}, []float32{1, 1}, []float32{0, 0}, "bad").
		Compile(); err == nil {
		t.Error("expected error for short order")
	}
}

func TestCompiledSpecIsIndependent(t *testing.T) {
	mb := NewModelBuilder([]int{1, 4}).AddDense(2, true, "fc")
	first, err := mb.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	mb.AddReLU("act")
	if len(first.Layers) != 1 {
		t.Errorf("compiled spec changed after builder mutation")
	}
	if !strings.Contains(first.Summary(), "fc (Dense)") {
		t.Errorf("summary missing layer: %s", first.Summary())
	}
}
