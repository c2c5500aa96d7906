package fusion

import (
	"math"

	"github.com/multimodal_fusion/pkg/autodiff"
	"github.com/multimodal_fusion/pkg/layers"
)

// ShallowNN is the classification head shared by the architectures: one
// hidden layer with GELU and dropout, then a linear map to the output
// width, optionally squashed through a sigmoid for probability outputs.
type ShallowNN struct {
	FC1 *layers.Linear
	FC2 *layers.Linear

	sigmoid  bool
	dropRate float64
	name     string
}

// NewShallowNN creates the head. Weight init follows the width of the layer
// being fed: fc1 scaled by the hidden width, fc2 by the output width.
func NewShallowNN(inDim, hidden, outDim int, sigmoid bool, dropout float64, name string) (*ShallowNN, error) {
	fc1, err := layers.NewNormalLinear(inDim, hidden, math.Sqrt(1.0/float64(hidden)), name+".fc1")
	if err != nil {
		return nil, err
	}
	fc2, err := layers.NewNormalLinear(hidden, outDim, math.Sqrt(1.0/float64(outDim)), name+".fc2")
	if err != nil {
		return nil, err
	}
	return &ShallowNN{FC1: fc1, FC2: fc2, sigmoid: sigmoid, dropRate: dropout, name: name}, nil
}

// Forward maps a (B,in) matrix of pooled representations to (B,out).
func (nn *ShallowNN) Forward(x *autodiff.Tensor, training bool) (*autodiff.Tensor, error) {
	h, err := nn.FC1.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = autodiff.GELU(h)
	if err != nil {
		return nil, err
	}
	h, err = autodiff.Dropout(h, nn.dropRate, training)
	if err != nil {
		return nil, err
	}
	h, err = nn.FC2.Forward(h)
	if err != nil {
		return nil, err
	}
	if nn.sigmoid {
		return autodiff.Sigmoid(h)
	}
	return h, nil
}

// Parameters returns the head's trainable tensors.
func (nn *ShallowNN) Parameters() map[string]*autodiff.Tensor {
	out := make(map[string]*autodiff.Tensor)
	for k, v := range nn.FC1.Parameters() {
		out[k] = v
	}
	for k, v := range nn.FC2.Parameters() {
		out[k] = v
	}
	return out
}
