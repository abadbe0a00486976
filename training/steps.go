package training

import (
	"fmt"

	"github.com/tsawler/go-srgan/srgan"
	"github.com/tsawler/go-srgan/tensor"
)

// StepTrainer performs single optimisation steps on an SRGAN. Steps run
// synchronously and never overlap.
type StepTrainer struct {
	net *srgan.SRGAN
	mse *MSELoss
	bce *BCELoss
}

// NewStepTrainer creates a step trainer for net
func NewStepTrainer(net *srgan.SRGAN) *StepTrainer {
	return &StepTrainer{net: net, mse: NewMSELoss(), bce: NewBCELoss()}
}

// GeneratorStep trains the generator on one batch with MSE
func (st *StepTrainer) GeneratorStep(lr, hr *tensor.Tensor) (map[string]float64, error) {
	g := st.net.Generator
	g.ZeroGrad()

	out, tape, err := g.Forward(lr, true)
	if err != nil {
		return nil, fmt.Errorf("generator forward: %w", err)
	}
	loss, err := st.mse.Forward(out, hr)
	if err != nil {
		return nil, err
	}
	grad, err := st.mse.Backward(out, hr)
	if err != nil {
		return nil, err
	}
	if _, err := g.Backward(tape, grad); err != nil {
		return nil, fmt.Errorf("generator backward: %w", err)
	}
	if err := st.net.GeneratorOptimizer.Step(g.GradientBuffers()); err != nil {
		return nil, fmt.Errorf("generator update: %w", err)
	}

	return map[string]float64{"loss": loss, "mse": loss, "PSNR": PSNR(loss)}, nil
}

// EvaluateGenerator scores the generator on one batch without training
func (st *StepTrainer) EvaluateGenerator(lr, hr *tensor.Tensor) (map[string]float64, error) {
	out, err := st.net.Generator.Predict(lr)
	if err != nil {
		return nil, fmt.Errorf("generator inference: %w", err)
	}
	loss, err := st.mse.Forward(out, hr)
	if err != nil {
		return nil, err
	}
	return map[string]float64{"val_loss": loss, "val_mse": loss, "val_PSNR": PSNR(loss)}, nil
}

// DiscriminatorStep updates the discriminator once on real images labelled
// 1 and once on generated images labelled 0, returning averaged metrics
func (st *StepTrainer) DiscriminatorStep(hr, fake *tensor.Tensor) (map[string]float64, error) {
	realLoss, realAcc, err := st.discriminatorOnBatch(hr, 1)
	if err != nil {
		return nil, fmt.Errorf("real batch: %w", err)
	}
	fakeLoss, fakeAcc, err := st.discriminatorOnBatch(fake, 0)
	if err != nil {
		return nil, fmt.Errorf("fake batch: %w", err)
	}
	return map[string]float64{
		"loss": 0.5 * (realLoss + fakeLoss),
		"acc":  0.5 * (realAcc + fakeAcc),
	}, nil
}

func (st *StepTrainer) discriminatorOnBatch(x *tensor.Tensor, label float32) (float64, float64, error) {
	d := st.net.Discriminator
	d.ZeroGrad()

	score, tape, err := d.Forward(x, true)
	if err != nil {
		return 0, 0, err
	}
	target, err := tensor.Full(score.Shape, label)
	if err != nil {
		return 0, 0, err
	}
	loss, err := st.bce.Forward(score, target)
	if err != nil {
		return 0, 0, err
	}
	acc, err := Accuracy(score, target)
	if err != nil {
		return 0, 0, err
	}
	grad, err := st.bce.Backward(score, target)
	if err != nil {
		return 0, 0, err
	}
	if _, err := d.Backward(tape, grad); err != nil {
		return 0, 0, err
	}
	if err := st.net.DiscriminatorOptimizer.Step(d.GradientBuffers()); err != nil {
		return 0, 0, err
	}
	return loss, acc, nil
}

// CompositeStep updates the generator on the weighted sum of the
// adversarial loss (score against label 1) and the perceptual loss
// (features against targetFeatures)
func (st *StepTrainer) CompositeStep(lr, targetFeatures *tensor.Tensor) (map[string]float64, error) {
	g := st.net.Generator
	g.ZeroGrad()
	w := st.net.Config().LossWeights

	out, err := st.net.Composite.Forward(lr)
	if err != nil {
		return nil, err
	}

	ones, err := tensor.Full(out.Score.Shape, 1)
	if err != nil {
		return nil, err
	}
	adv, err := st.bce.Forward(out.Score, ones)
	if err != nil {
		return nil, fmt.Errorf("adversarial loss: %w", err)
	}
	content, err := st.mse.Forward(out.Features, targetFeatures)
	if err != nil {
		return nil, fmt.Errorf("content loss: %w", err)
	}

	gradScore, err := st.bce.Backward(out.Score, ones)
	if err != nil {
		return nil, err
	}
	tensor.ScaleInPlace(gradScore, w[0])
	gradFeatures, err := st.mse.Backward(out.Features, targetFeatures)
	if err != nil {
		return nil, err
	}
	tensor.ScaleInPlace(gradFeatures, w[1])

	if err := st.net.Composite.Backward(out, gradScore, gradFeatures); err != nil {
		return nil, err
	}
	if err := st.net.CompositeOptimizer.Step(g.GradientBuffers()); err != nil {
		return nil, fmt.Errorf("composite update: %w", err)
	}

	return map[string]float64{
		"loss":             float64(w[0])*adv + float64(w[1])*content,
		"Adversarial_loss": adv,
		"Content_loss":     content,
	}, nil
}
