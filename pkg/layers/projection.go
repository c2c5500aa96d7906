package layers

import (
	"fmt"
	"math"

	"github.com/multimodal_fusion/pkg/autodiff"
)

// Projection maps a modality's raw feature width to the fused dimension,
// preserving sequence length.
type Projection interface {
	Forward(x *autodiff.Tensor) (*autodiff.Tensor, error)
	Parameters() map[string]*autodiff.Tensor
}

// Projection modes.
const (
	ProjectMinimal = "minimal"
	ProjectConv1D  = "conv1d"
)

// NewProjection selects the projection mode: "minimal" is a pointwise
// linear map, "conv1d" a kernel-3 same-padded convolution along time.
func NewProjection(inDim, outDim int, mode, name string) (Projection, error) {
	switch mode {
	case ProjectMinimal:
		return NewLinear(inDim, outDim, name)
	case ProjectConv1D:
		return NewConvProjection(inDim, outDim, name)
	default:
		return nil, fmt.Errorf("unknown projection mode %q", mode)
	}
}

// ConvProjection is a kernel-3 1-D convolution along the time axis,
// expressed as a sum of shifted linear maps so it rides the same tape as
// everything else. Zero same-padding keeps the sequence length.
type ConvProjection struct {
	// Taps[0] sees the previous timestep, Taps[1] the current one,
	// Taps[2] the next.
	Taps [3]*autodiff.Tensor
	B    *autodiff.Tensor

	InDim  int
	OutDim int
	name   string
}

// NewConvProjection creates the convolutional projection.
func NewConvProjection(inDim, outDim int, name string) (*ConvProjection, error) {
	p := &ConvProjection{InDim: inDim, OutDim: outDim, name: name}
	std := math.Sqrt(1.0 / float64(3*inDim))
	for k := range p.Taps {
		w, err := autodiff.NewNormalTensor(inDim, outDim, std, &autodiff.TensorConfig{
			RequiresGrad: true,
			Name:         fmt.Sprintf("%s.tap%d", name, k),
		})
		if err != nil {
			return nil, err
		}
		p.Taps[k] = w
	}
	b, err := autodiff.NewZerosTensor(1, outDim, &autodiff.TensorConfig{RequiresGrad: true, Name: name + ".bias"})
	if err != nil {
		return nil, err
	}
	p.B = b
	return p, nil
}

// Forward computes out[t] = x[t-1]*W0 + x[t]*W1 + x[t+1]*W2 + b.
func (p *ConvProjection) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	if x.Data.Cols != p.InDim {
		return nil, fmt.Errorf("%s: input width %d does not match configured dimension %d", p.name, x.Data.Cols, p.InDim)
	}

	var acc *autodiff.Tensor
	for k, w := range p.Taps {
		shifted := x
		if offset := 1 - k; offset != 0 {
			var err error
			shifted, err = autodiff.ShiftRows(x, offset)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.name, err)
			}
		}
		term, err := autodiff.MatMul(shifted, w)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		if acc == nil {
			acc = term
			continue
		}
		acc, err = autodiff.Add(acc, term)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
	}
	return autodiff.AddBias(acc, p.B)
}

// Parameters returns the projection's trainable tensors keyed by name.
func (p *ConvProjection) Parameters() map[string]*autodiff.Tensor {
	out := map[string]*autodiff.Tensor{p.B.Name: p.B}
	for _, w := range p.Taps {
		out[w.Name] = w
	}
	return out
}
