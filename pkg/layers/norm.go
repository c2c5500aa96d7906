package layers

import (
	"github.com/multimodal_fusion/pkg/autodiff"
)

const normEps = 1e-5

// LayerNorm normalizes each row to zero mean and unit variance, then applies
// a learned per-feature scale and shift.
type LayerNorm struct {
	Gamma *autodiff.Tensor
	Beta  *autodiff.Tensor

	Dim  int
	name string
}

// NewLayerNorm creates a normalization layer with gamma=1, beta=0.
func NewLayerNorm(dim int, name string) (*LayerNorm, error) {
	gamma, err := autodiff.NewZerosTensor(1, dim, &autodiff.TensorConfig{RequiresGrad: true, Name: name + ".gamma"})
	if err != nil {
		return nil, err
	}
	for j := 0; j < dim; j++ {
		gamma.Data.Data[0][j] = 1.0
	}
	beta, err := autodiff.NewZerosTensor(1, dim, &autodiff.TensorConfig{RequiresGrad: true, Name: name + ".beta"})
	if err != nil {
		return nil, err
	}
	return &LayerNorm{Gamma: gamma, Beta: beta, Dim: dim, name: name}, nil
}

// Forward normalizes every row of x independently.
func (ln *LayerNorm) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	return autodiff.LayerNorm(x, ln.Gamma, ln.Beta, normEps)
}

// Parameters returns gamma and beta keyed by name.
func (ln *LayerNorm) Parameters() map[string]*autodiff.Tensor {
	return map[string]*autodiff.Tensor{
		ln.Gamma.Name: ln.Gamma,
		ln.Beta.Name:  ln.Beta,
	}
}
