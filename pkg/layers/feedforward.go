package layers

import (
	"fmt"

	"github.com/multimodal_fusion/pkg/autodiff"
)

// Activation kinds for the feed-forward sublayer.
const (
	ActGELU = "gelu"
	ActReLU = "relu"
)

// FeedForward is the position-wise two-layer expansion sublayer.
type FeedForward struct {
	In  *Linear
	Out *Linear

	activation string
	dropRate   float64
	name       string
}

// NewFeedForward creates a dim -> hidden -> dim sublayer with the given
// activation between the two maps and dropout after the activation.
func NewFeedForward(dim, hidden int, activation string, dropout float64, name string) (*FeedForward, error) {
	if activation != ActGELU && activation != ActReLU {
		return nil, fmt.Errorf("%s: unknown activation %q", name, activation)
	}
	in, err := NewLinear(dim, hidden, name+".in")
	if err != nil {
		return nil, err
	}
	out, err := NewLinear(hidden, dim, name+".out")
	if err != nil {
		return nil, err
	}
	return &FeedForward{In: in, Out: out, activation: activation, dropRate: dropout, name: name}, nil
}

// Forward applies the expansion, activation, dropout and contraction.
func (ff *FeedForward) Forward(x *autodiff.Tensor, training bool) (*autodiff.Tensor, error) {
	h, err := ff.In.Forward(x)
	if err != nil {
		return nil, err
	}
	switch ff.activation {
	case ActGELU:
		h, err = autodiff.GELU(h)
	case ActReLU:
		h, err = autodiff.ReLU(h)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ff.name, err)
	}
	h, err = autodiff.Dropout(h, ff.dropRate, training)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ff.name, err)
	}
	return ff.Out.Forward(h)
}

// Parameters returns the trainable tensors of both linear maps.
func (ff *FeedForward) Parameters() map[string]*autodiff.Tensor {
	return merge(ff.In.Parameters(), ff.Out.Parameters())
}
