// Package layers provides the building blocks the fusion architectures are
// composed from: projections, masked multi-head attention, feed-forward
// sublayers, normalization, and encoder/decoder blocks. Every block exposes
// a Forward method and a Parameters map; composition happens in pkg/fusion.
package layers

import (
	"fmt"

	"github.com/multimodal_fusion/pkg/autodiff"
)

// Linear is a pointwise affine map applied independently per timestep.
type Linear struct {
	W *autodiff.Tensor
	B *autodiff.Tensor

	InDim  int
	OutDim int
	name   string
}

// NewLinear creates a linear layer with uniform weight init.
func NewLinear(inDim, outDim int, name string) (*Linear, error) {
	w, err := autodiff.NewRandomTensor(inDim, outDim, &autodiff.TensorConfig{RequiresGrad: true, Name: name + ".weight"})
	if err != nil {
		return nil, err
	}
	b, err := autodiff.NewZerosTensor(1, outDim, &autodiff.TensorConfig{RequiresGrad: true, Name: name + ".bias"})
	if err != nil {
		return nil, err
	}
	return &Linear{W: w, B: b, InDim: inDim, OutDim: outDim, name: name}, nil
}

// NewNormalLinear creates a linear layer with N(0, std^2) weight init.
func NewNormalLinear(inDim, outDim int, std float64, name string) (*Linear, error) {
	l, err := NewLinear(inDim, outDim, name)
	if err != nil {
		return nil, err
	}
	w, err := autodiff.NewNormalMatrix(inDim, outDim, std)
	if err != nil {
		return nil, err
	}
	l.W.Data = w
	return l, nil
}

// Forward applies x*W + b. The input width must match the configured input
// dimension; a mismatch is a data-contract violation and fails immediately.
func (l *Linear) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	if x.Data.Cols != l.InDim {
		return nil, fmt.Errorf("%s: input width %d does not match configured dimension %d", l.name, x.Data.Cols, l.InDim)
	}
	h, err := autodiff.MatMul(x, l.W)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	return autodiff.AddBias(h, l.B)
}

// Parameters returns the layer's trainable tensors keyed by name.
func (l *Linear) Parameters() map[string]*autodiff.Tensor {
	return map[string]*autodiff.Tensor{
		l.W.Name: l.W,
		l.B.Name: l.B,
	}
}

// merge collects sublayer parameter maps into one.
func merge(maps ...map[string]*autodiff.Tensor) map[string]*autodiff.Tensor {
	out := make(map[string]*autodiff.Tensor)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
