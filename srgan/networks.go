package srgan

import (
	"fmt"

	"github.com/tsawler/go-srgan/layers"
)

const bnEpsilon = 1e-3

// BuildGeneratorSpec describes the SRResNet generator. Spatial input
// dimensions are dynamic, so the same weights upscale images of any size.
func BuildGeneratorSpec(cfg Config) (*layers.ModelSpec, error) {
	f := cfg.GeneratorFilters
	m := cfg.BatchNormMomentum
	mb := layers.NewModelBuilder([]int{-1, cfg.Channels, -1, -1}).Named("generator")

	// Pre-residual
	mb.AddConv2D(f, 9, 1, 4, true, "pre_conv").
		AddPReLU("pre_prelu")

	skip := "pre_prelu"
	for i := 1; i <= cfg.ResidualBlocks; i++ {
		p := fmt.Sprintf("res%d_", i)
		mb.AddConv2D(f, 3, 1, 1, true, p+"conv1").
			AddBatchNorm(f, bnEpsilon, m, p+"bn1").
			AddPReLU(p+"prelu").
			AddConv2D(f, 3, 1, 1, true, p+"conv2").
			AddBatchNorm(f, bnEpsilon, m, p+"bn2").
			AddSum(p+"add", p+"bn2", skip)
		skip = p + "add"
	}

	// Post-residual, joined with the pre-residual activation
	mb.AddConv2D(f, 3, 1, 1, true, "post_conv").
		AddBatchNorm(f, bnEpsilon, m, "post_bn").
		AddSum("post_add", "post_bn", "pre_prelu")

	for stage := 1; stage < cfg.UpscalingFactor; stage *= 2 {
		n := stageNumber(stage)
		mb.AddConv2D(256, 3, 1, 1, true, fmt.Sprintf("upSampleConv2d_%d", n)).
			AddDepthToSpace(2, fmt.Sprintf("upSampleSubPixel_%d", n)).
			AddPReLU(fmt.Sprintf("upSamplePReLU_%d", n))
	}

	mb.AddConv2D(cfg.Channels, 9, 1, 4, true, "out_conv").
		AddTanh("out_tanh")

	return mb.Compile()
}

// stageNumber maps 1, 2, 4 to 1, 2, 3
func stageNumber(stage int) int {
	n := 1
	for stage > 1 {
		stage /= 2
		n++
	}
	return n
}

// BuildDiscriminatorSpec describes the discriminator for HR crops of the
// configured size. Scores are in (0,1), one per sample.
func BuildDiscriminatorSpec(cfg Config) (*layers.ModelSpec, error) {
	f := cfg.DiscriminatorFilters
	mb := layers.NewModelBuilder([]int{-1, cfg.Channels, cfg.HeightHR(), cfg.WidthHR()}).Named("discriminator")

	blocks := []struct {
		filters int
		stride  int
		bn      bool
	}{
		{f, 1, false},
		{f, 2, true},
		{f * 2, 1, true},
		{f * 2, 2, true},
		{f * 4, 1, true},
		{f * 4, 2, true},
		{f * 8, 1, true},
		{f * 8, 2, true},
	}
	for i, b := range blocks {
		p := fmt.Sprintf("d%d_", i+1)
		mb.AddConv2D(b.filters, 3, b.stride, 1, true, p+"conv").
			AddLeakyReLU(0.2, p+"lrelu")
		if b.bn {
			mb.AddBatchNorm(b.filters, bnEpsilon, cfg.BatchNormMomentum, p+"bn")
		}
	}

	mb.AddDense(f*16, true, "dense1").
		AddLeakyReLU(0.2, "dense1_lrelu").
		AddDense(1, true, "score").
		AddSigmoid("score_sigmoid")

	return mb.Compile()
}

// vgg19Blocks lists the convolution widths of each VGG19 block
var vgg19Blocks = [][]int{
	{64, 64},
	{128, 128},
	{256, 256, 256, 256},
	{512, 512, 512, 512},
	{512, 512, 512, 512},
}

// Caffe ImageNet channel means in BGR order
var vggMeanBGR = [3]float32{103.939, 116.779, 123.68}

// BuildVGG19Spec describes the VGG19 convolutional trunk truncated after
// featureLayer. The first layer converts [-1,1] RGB to the BGR
// mean-centred pixels VGG19 was trained on.
func BuildVGG19Spec(featureLayer string) (*layers.ModelSpec, error) {
	mb := layers.NewModelBuilder([]int{-1, 3, -1, -1}).Named("vgg19")

	var shift [3]float32
	for c := range shift {
		shift[c] = 127.5 - vggMeanBGR[c]
	}
	mb.AddChannelAffine([]int{2, 1, 0}, []float32{127.5, 127.5, 127.5}, shift[:], "vgg_preprocess")

	for b, widths := range vgg19Blocks {
		for c, w := range widths {
			name := fmt.Sprintf("block%d_conv%d", b+1, c+1)
			mb.AddConv2D(w, 3, 1, 1, true, name).
				AddReLU(name + "_relu")
		}
		mb.AddMaxPool2D(2, 2, fmt.Sprintf("block%d_pool", b+1))
	}

	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}

	// a conv layer's features are taken after its activation
	if spec.LayerIndex(featureLayer+"_relu") >= 0 {
		featureLayer += "_relu"
	}
	return spec.Truncate(featureLayer)
}
