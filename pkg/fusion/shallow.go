package fusion

import (
	"github.com/multimodal_fusion/internal/masking"
	"github.com/multimodal_fusion/pkg/autodiff"
	"github.com/multimodal_fusion/pkg/layers"
)

// ShallowAttentionFusion runs one lightweight self-attention block per
// modality at its raw feature width, with no cross-modal interaction, then
// pools and classifies like the mean-pool baseline.
type ShallowAttentionFusion struct {
	AudioBlock *layers.EncoderBlock
	VideoBlock *layers.EncoderBlock
	Head       *ShallowNN

	audioDim int
	videoDim int
}

// NewShallowAttentionFusion creates the per-modality shallow model.
func NewShallowAttentionFusion(cfg Config) (*ShallowAttentionFusion, error) {
	block := func(dim int, name string) (*layers.EncoderBlock, error) {
		return layers.NewEncoderBlock(layers.EncoderConfig{
			Dim:        dim,
			Heads:      1,
			Hidden:     dim,
			Activation: layers.ActGELU,
			Dropout:    0.1,
			PreNorm:    true,
		}, name)
	}
	audioBlock, err := block(cfg.AudioDim, "shallow.audio")
	if err != nil {
		return nil, err
	}
	videoBlock, err := block(cfg.VideoDim, "shallow.video")
	if err != nil {
		return nil, err
	}
	head, err := NewShallowNN(cfg.AudioDim+cfg.VideoDim, cfg.FusedDim, 1, true, 0, "shallow.head")
	if err != nil {
		return nil, err
	}
	return &ShallowAttentionFusion{
		AudioBlock: audioBlock,
		VideoBlock: videoBlock,
		Head:       head,
		audioDim:   cfg.AudioDim,
		videoDim:   cfg.VideoDim,
	}, nil
}

// Forward self-attends each modality independently, pools valid timesteps
// and classifies the concatenation.
func (m *ShallowAttentionFusion) Forward(audio, video []*autodiff.Matrix, mask *masking.Mask, training bool) (*autodiff.Tensor, error) {
	if err := checkBatch(audio, video, mask, m.audioDim, m.videoDim); err != nil {
		return nil, err
	}

	pooled := make([]*autodiff.Tensor, 0, len(audio))
	for i := range audio {
		row := mask.Row(i)
		a, err := m.AudioBlock.Forward(autodiff.Constant(audio[i], "audio"), row, training)
		if err != nil {
			return nil, err
		}
		v, err := m.VideoBlock.Forward(autodiff.Constant(video[i], "video"), row, training)
		if err != nil {
			return nil, err
		}
		a, err = autodiff.MaskedMean(a, row)
		if err != nil {
			return nil, err
		}
		v, err = autodiff.MaskedMean(v, row)
		if err != nil {
			return nil, err
		}
		cat, err := autodiff.ConcatCols([]*autodiff.Tensor{a, v})
		if err != nil {
			return nil, err
		}
		pooled = append(pooled, cat)
	}

	batch, err := autodiff.ConcatRows(pooled)
	if err != nil {
		return nil, err
	}
	return m.Head.Forward(batch, training)
}

// Parameters returns every trainable tensor.
func (m *ShallowAttentionFusion) Parameters() map[string]*autodiff.Tensor {
	out := m.Head.Parameters()
	for k, v := range m.AudioBlock.Parameters() {
		out[k] = v
	}
	for k, v := range m.VideoBlock.Parameters() {
		out[k] = v
	}
	return out
}

// Outputs reports the per-sample output width.
func (m *ShallowAttentionFusion) Outputs() int { return 1 }
