package layers

import (
	"github.com/multimodal_fusion/pkg/autodiff"
)

// FusionDecoder mixes two already-encoded modality streams by letting each
// attend over the other, then concatenates them feature-wise. Both streams
// must share the fused dimension and sequence length. Sublayers are pre-norm
// residual, mirroring the encoder stacks that feed this block.
type FusionDecoder struct {
	AudioCross *MultiHeadAttention
	VideoCross *MultiHeadAttention
	AudioFF    *FeedForward
	VideoFF    *FeedForward

	audioNorm1 *LayerNorm
	audioNorm2 *LayerNorm
	videoNorm1 *LayerNorm
	videoNorm2 *LayerNorm
	audioFinal *LayerNorm
	videoFinal *LayerNorm

	dropRate float64
	name     string
}

// NewFusionDecoder creates the cross-attention fusion block.
func NewFusionDecoder(dim, heads, hidden int, activation string, dropout float64, name string) (*FusionDecoder, error) {
	d := &FusionDecoder{dropRate: dropout, name: name}

	var err error
	if d.AudioCross, err = NewMultiHeadAttention(dim, heads, dropout, name+".audio_cross"); err != nil {
		return nil, err
	}
	if d.VideoCross, err = NewMultiHeadAttention(dim, heads, dropout, name+".video_cross"); err != nil {
		return nil, err
	}
	if d.AudioFF, err = NewFeedForward(dim, hidden, activation, dropout, name+".audio_ff"); err != nil {
		return nil, err
	}
	if d.VideoFF, err = NewFeedForward(dim, hidden, activation, dropout, name+".video_ff"); err != nil {
		return nil, err
	}
	for _, n := range []struct {
		dst **LayerNorm
		tag string
	}{
		{&d.audioNorm1, "audio_norm1"}, {&d.audioNorm2, "audio_norm2"},
		{&d.videoNorm1, "video_norm1"}, {&d.videoNorm2, "video_norm2"},
		{&d.audioFinal, "audio_final"}, {&d.videoFinal, "video_final"},
	} {
		ln, err := NewLayerNorm(dim, name+"."+n.tag)
		if err != nil {
			return nil, err
		}
		*n.dst = ln
	}
	return d, nil
}

// crossSublayer applies x = x + drop(attn(norm(x), other, other)).
func (d *FusionDecoder) crossSublayer(attn *MultiHeadAttention, norm *LayerNorm, x, other *autodiff.Tensor, otherMask []float64, training bool) (*autodiff.Tensor, error) {
	h, err := norm.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = attn.Forward(h, other, other, otherMask, training)
	if err != nil {
		return nil, err
	}
	h, err = autodiff.Dropout(h, d.dropRate, training)
	if err != nil {
		return nil, err
	}
	return autodiff.Add(x, h)
}

// ffSublayer applies x = x + drop(ff(norm(x))).
func (d *FusionDecoder) ffSublayer(ff *FeedForward, norm *LayerNorm, x *autodiff.Tensor, training bool) (*autodiff.Tensor, error) {
	h, err := norm.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = ff.Forward(h, training)
	if err != nil {
		return nil, err
	}
	h, err = autodiff.Dropout(h, d.dropRate, training)
	if err != nil {
		return nil, err
	}
	return autodiff.Add(x, h)
}

// Forward cross-attends the two streams and returns the (T, 2*dim)
// feature-wise concatenation. mask is the shared validity row.
func (d *FusionDecoder) Forward(audio, video *autodiff.Tensor, mask []float64, training bool) (*autodiff.Tensor, error) {
	a, err := d.crossSublayer(d.AudioCross, d.audioNorm1, audio, video, mask, training)
	if err != nil {
		return nil, err
	}
	v, err := d.crossSublayer(d.VideoCross, d.videoNorm1, video, audio, mask, training)
	if err != nil {
		return nil, err
	}

	if a, err = d.ffSublayer(d.AudioFF, d.audioNorm2, a, training); err != nil {
		return nil, err
	}
	if v, err = d.ffSublayer(d.VideoFF, d.videoNorm2, v, training); err != nil {
		return nil, err
	}

	if a, err = d.audioFinal.Forward(a); err != nil {
		return nil, err
	}
	if v, err = d.videoFinal.Forward(v); err != nil {
		return nil, err
	}
	return autodiff.ConcatCols([]*autodiff.Tensor{a, v})
}

// Parameters returns every trainable tensor in the block.
func (d *FusionDecoder) Parameters() map[string]*autodiff.Tensor {
	return merge(
		d.AudioCross.Parameters(), d.VideoCross.Parameters(),
		d.AudioFF.Parameters(), d.VideoFF.Parameters(),
		d.audioNorm1.Parameters(), d.audioNorm2.Parameters(),
		d.videoNorm1.Parameters(), d.videoNorm2.Parameters(),
		d.audioFinal.Parameters(), d.videoFinal.Parameters(),
	)
}
