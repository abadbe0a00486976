package srgan

import (
	"fmt"

	"github.com/tsawler/go-srgan/engine"
	"github.com/tsawler/go-srgan/tensor"
)

// Composite chains the generator into the discriminator and the feature
// extractor. Gradients flow back through both branches but only the
// generator accumulates parameter gradients.
type Composite struct {
	generator     *engine.Model
	discriminator *engine.Model
	features      *engine.Model
}

// CompositeOutput holds the results of one composite forward pass
type CompositeOutput struct {
	Fake     *tensor.Tensor // generated HR batch in [-1,1]
	Score    *tensor.Tensor // discriminator realism, [B,1]
	Features *tensor.Tensor // feature map of the generated batch

	genTape  *engine.Tape
	disTape  *engine.Tape
	featTape *engine.Tape
	disView  *engine.Model
	featView *engine.Model
}

// NewComposite links the three networks
func NewComposite(generator, discriminator, features *engine.Model) *Composite {
	return &Composite{generator: generator, discriminator: discriminator, features: features}
}

// Forward runs the generator in training mode and scores its output. The
// discriminator keeps batch statistics but its running averages are left
// untouched.
func (c *Composite) Forward(lr *tensor.Tensor) (*CompositeOutput, error) {
	fake, genTape, err := c.generator.Forward(lr, true)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	disView := c.discriminator.Frozen()
	score, disTape, err := disView.Forward(fake, true)
	if err != nil {
		return nil, fmt.Errorf("discriminator: %w", err)
	}

	featView := c.features.Frozen()
	features, featTape, err := featView.Forward(fake, false)
	if err != nil {
		return nil, fmt.Errorf("feature extractor: %w", err)
	}

	return &CompositeOutput{
		Fake:     fake,
		Score:    score,
		Features: features,
		genTape:  genTape,
		disTape:  disTape,
		featTape: featTape,
		disView:  disView,
		featView: featView,
	}, nil
}

// Backward accumulates generator gradients for the loss whose gradients
// with respect to the score and the features are given
func (c *Composite) Backward(out *CompositeOutput, gradScore, gradFeatures *tensor.Tensor) error {
	fromScore, err := out.disView.Backward(out.disTape, gradScore)
	if err != nil {
		return fmt.Errorf("discriminator backward: %w", err)
	}
	fromFeatures, err := out.featView.Backward(out.featTape, gradFeatures)
	if err != nil {
		return fmt.Errorf("feature extractor backward: %w", err)
	}
	if err := tensor.AddInPlace(fromScore, fromFeatures); err != nil {
		return err
	}
	if _, err := c.generator.Backward(out.genTape, fromScore); err != nil {
		return fmt.Errorf("generator backward: %w", err)
	}
	return nil
}
