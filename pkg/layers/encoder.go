package layers

import (
	"fmt"

	"github.com/multimodal_fusion/pkg/autodiff"
)

// EncoderBlock is one transformer encoder layer: masked self-attention plus
// a feed-forward sublayer, each wrapped in a residual connection. PreNorm
// selects whether normalization runs before the sublayer or after the
// residual add.
type EncoderBlock struct {
	SelfAttn *MultiHeadAttention
	FF       *FeedForward
	Norm1    *LayerNorm
	Norm2    *LayerNorm

	PreNorm  bool
	dropRate float64
	name     string
}

// EncoderConfig collects the knobs for one encoder block or stack.
type EncoderConfig struct {
	Dim        int
	Heads      int
	Hidden     int
	Activation string
	Dropout    float64
	PreNorm    bool
}

// NewEncoderBlock creates one encoder layer.
func NewEncoderBlock(cfg EncoderConfig, name string) (*EncoderBlock, error) {
	attn, err := NewMultiHeadAttention(cfg.Dim, cfg.Heads, cfg.Dropout, name+".self_attn")
	if err != nil {
		return nil, err
	}
	ff, err := NewFeedForward(cfg.Dim, cfg.Hidden, cfg.Activation, cfg.Dropout, name+".ff")
	if err != nil {
		return nil, err
	}
	norm1, err := NewLayerNorm(cfg.Dim, name+".norm1")
	if err != nil {
		return nil, err
	}
	norm2, err := NewLayerNorm(cfg.Dim, name+".norm2")
	if err != nil {
		return nil, err
	}
	return &EncoderBlock{
		SelfAttn: attn,
		FF:       ff,
		Norm1:    norm1,
		Norm2:    norm2,
		PreNorm:  cfg.PreNorm,
		dropRate: cfg.Dropout,
		name:     name,
	}, nil
}

// Forward runs the block over one (T,D) sample. mask is the validity row for
// the sample's timesteps, shared between queries and keys.
func (b *EncoderBlock) Forward(x *autodiff.Tensor, mask []float64, training bool) (*autodiff.Tensor, error) {
	if b.PreNorm {
		return b.forwardPre(x, mask, training)
	}
	return b.forwardPost(x, mask, training)
}

func (b *EncoderBlock) forwardPre(x *autodiff.Tensor, mask []float64, training bool) (*autodiff.Tensor, error) {
	h, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = b.SelfAttn.Forward(h, h, h, mask, training)
	if err != nil {
		return nil, err
	}
	h, err = autodiff.Dropout(h, b.dropRate, training)
	if err != nil {
		return nil, err
	}
	x, err = autodiff.Add(x, h)
	if err != nil {
		return nil, err
	}

	h, err = b.Norm2.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = b.FF.Forward(h, training)
	if err != nil {
		return nil, err
	}
	h, err = autodiff.Dropout(h, b.dropRate, training)
	if err != nil {
		return nil, err
	}
	return autodiff.Add(x, h)
}

func (b *EncoderBlock) forwardPost(x *autodiff.Tensor, mask []float64, training bool) (*autodiff.Tensor, error) {
	h, err := b.SelfAttn.Forward(x, x, x, mask, training)
	if err != nil {
		return nil, err
	}
	h, err = autodiff.Dropout(h, b.dropRate, training)
	if err != nil {
		return nil, err
	}
	x, err = autodiff.Add(x, h)
	if err != nil {
		return nil, err
	}
	x, err = b.Norm1.Forward(x)
	if err != nil {
		return nil, err
	}

	h, err = b.FF.Forward(x, training)
	if err != nil {
		return nil, err
	}
	h, err = autodiff.Dropout(h, b.dropRate, training)
	if err != nil {
		return nil, err
	}
	x, err = autodiff.Add(x, h)
	if err != nil {
		return nil, err
	}
	return b.Norm2.Forward(x)
}

// Parameters returns the block's trainable tensors.
func (b *EncoderBlock) Parameters() map[string]*autodiff.Tensor {
	return merge(b.SelfAttn.Parameters(), b.FF.Parameters(), b.Norm1.Parameters(), b.Norm2.Parameters())
}

// Encoder is a stack of encoder blocks with an optional final normalization,
// used when the stack is pre-norm so the output is normalized exactly once.
type Encoder struct {
	Blocks    []*EncoderBlock
	FinalNorm *LayerNorm

	name string
}

// NewEncoder stacks layers encoder blocks. When finalNorm is set a trailing
// LayerNorm runs after the last block.
func NewEncoder(cfg EncoderConfig, layers int, finalNorm bool, name string) (*Encoder, error) {
	if layers <= 0 {
		return nil, fmt.Errorf("%s: need at least one layer, got %d", name, layers)
	}
	enc := &Encoder{name: name}
	for i := 0; i < layers; i++ {
		b, err := NewEncoderBlock(cfg, fmt.Sprintf("%s.layer%d", name, i))
		if err != nil {
			return nil, err
		}
		enc.Blocks = append(enc.Blocks, b)
	}
	if finalNorm {
		n, err := NewLayerNorm(cfg.Dim, name+".final_norm")
		if err != nil {
			return nil, err
		}
		enc.FinalNorm = n
	}
	return enc, nil
}

// Forward runs the full stack over one sample.
func (e *Encoder) Forward(x *autodiff.Tensor, mask []float64, training bool) (*autodiff.Tensor, error) {
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
func (e *Encoder) Parameters() map[string]*autodiff.Tensor {
	out := make(map[string]*autodiff.Tensor)
	for _, b := range e.Blocks {
		out = merge(out, b.Parameters())
	}
	if e.FinalNorm != nil {
		out = merge(out, e.FinalNorm.Parameters())
	}
	return out
}
