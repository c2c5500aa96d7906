package layers

import (
	"fmt"

	"github.com/multimodal_fusion/internal/masking"
	"github.com/multimodal_fusion/pkg/autodiff"
)

// StackedEncoder is a deeper encoder stack in the detection-transformer
// style: ReLU feed-forward sublayers and key-padding masks (1 marks padding)
// instead of validity rows. A normalizeBefore flag flips every block between
// pre-norm and post-norm, with a final norm only in the pre-norm
// configuration.
type StackedEncoder struct {
	Blocks    []*EncoderBlock
	FinalNorm *LayerNorm

	name string
}

// NewStackedEncoder builds the stack. dim must divide across heads.
func NewStackedEncoder(dim, heads, hidden, layers int, dropout float64, normalizeBefore bool, name string) (*StackedEncoder, error) {
	if layers <= 0 {
		return nil, fmt.Errorf("%s: need at least one layer, got %d", name, layers)
	}
	cfg := EncoderConfig{
		Dim:        dim,
		Heads:      heads,
		Hidden:     hidden,
		Activation: ActReLU,
		Dropout:    dropout,
		PreNorm:    normalizeBefore,
	}
	enc := &StackedEncoder{name: name}
	for i := 0; i < layers; i++ {
		b, err := NewEncoderBlock(cfg, fmt.Sprintf("%s.layer%d", name, i))
		if err != nil {
			return nil, err
		}
		enc.Blocks = append(enc.Blocks, b)
	}
	if normalizeBefore {
		n, err := NewLayerNorm(dim, name+".final_norm")
		if err != nil {
			return nil, err
		}
		enc.FinalNorm = n
	}
	return enc, nil
}

// Forward runs the stack over one sample. keyPadding marks padded timesteps
// with 1 and real ones with 0; nil means nothing is padded.
func (e *StackedEncoder) Forward(x *autodiff.Tensor, keyPadding []float64, training bool) (*autodiff.Tensor, error) {
	var mask []float64
	if keyPadding != nil {
		mask = masking.Validity(keyPadding)
	}
	var err error
	for _, b := range e.Blocks {
		x, err = b.Forward(x, mask, training)
		if err != nil {
			return nil, err
		}
	}
	if e.FinalNorm != nil {
		return e.FinalNorm.Forward(x)
	}
	return x, nil
}

// Parameters returns the trainable tensors of every block.
func (e *StackedEncoder) Parameters() map[string]*autodiff.Tensor {
	out := make(map[string]*autodiff.Tensor)
	for _, b := range e.Blocks {
		out = merge(out, b.Parameters())
	}
	if e.FinalNorm != nil {
		out = merge(out, e.FinalNorm.Parameters())
	}
	return out
}
