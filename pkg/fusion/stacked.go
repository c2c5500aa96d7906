package fusion

import (
	"github.com/multimodal_fusion/internal/masking"
	"github.com/multimodal_fusion/pkg/autodiff"
	"github.com/multimodal_fusion/pkg/layers"
)

// StackedEncoderFusion is the alternative encoder-stack architecture: deeper
// per-modality encoders consuming key-padding masks, feature-wise
// concatenation, and a further fused encoder over the (T, 2F) sequence
// before masked pooling.
type StackedEncoderFusion struct {
	AudioProj    layers.Projection
	VideoProj    layers.Projection
	AudioEncoder *layers.StackedEncoder
	VideoEncoder *layers.StackedEncoder
	FusedEncoder *layers.StackedEncoder
	Head         *ShallowNN

	audioDim int
	videoDim int
}

// NewStackedEncoderFusion creates the stacked model. cfg.Layers sets the
// depth of all three encoder stacks.
func NewStackedEncoderFusion(cfg Config) (*StackedEncoderFusion, error) {
	const (
		hidden  = 256
		dropout = 0.2
	)

	audioProj, err := layers.NewProjection(cfg.AudioDim, cfg.FusedDim, cfg.Projection, "stacked.audio_proj")
	if err != nil {
		return nil, err
	}
	videoProj, err := layers.NewProjection(cfg.VideoDim, cfg.FusedDim, cfg.Projection, "stacked.video_proj")
	if err != nil {
		return nil, err
	}

	// The stacked style always normalizes before its sublayers, with a
	// final norm closing each stack.
	audioEnc, err := layers.NewStackedEncoder(cfg.FusedDim, 1, hidden, cfg.Layers, dropout, true, "stacked.audio_enc")
	if err != nil {
		return nil, err
	}
	videoEnc, err := layers.NewStackedEncoder(cfg.FusedDim, 1, hidden, cfg.Layers, dropout, true, "stacked.video_enc")
	if err != nil {
		return nil, err
	}
	fusedEnc, err := layers.NewStackedEncoder(2*cfg.FusedDim, 1, hidden, cfg.Layers, dropout, true, "stacked.fused_enc")
	if err != nil {
		return nil, err
	}

	head, err := NewShallowNN(2*cfg.FusedDim, cfg.FusedDim, 1, true, dropout, "stacked.head")
	if err != nil {
		return nil, err
	}

	return &StackedEncoderFusion{
		AudioProj:    audioProj,
		VideoProj:    videoProj,
		AudioEncoder: audioEnc,
		VideoEncoder: videoEnc,
		FusedEncoder: fusedEnc,
		Head:         head,
		audioDim:     cfg.AudioDim,
		videoDim:     cfg.VideoDim,
	}, nil
}

// Forward projects, encodes each modality under its key-padding mask,
// concatenates, runs the fused stack and classifies the pooled output.
func (m *StackedEncoderFusion) Forward(audio, video []*autodiff.Matrix, mask *masking.Mask, training bool) (*autodiff.Tensor, error) {
	if err := checkBatch(audio, video, mask, m.audioDim, m.videoDim); err != nil {
		return nil, err
	}

	pooled := make([]*autodiff.Tensor, 0, len(audio))
	for i := range audio {
		row := mask.Row(i)
		padding := masking.KeyPadding(row)

		a, err := m.AudioProj.Forward(autodiff.Constant(audio[i], "audio"))
		if err != nil {
			return nil, err
		}
		v, err := m.VideoProj.Forward(autodiff.Constant(video[i], "video"))
		if err != nil {
			return nil, err
		}

		a, err = m.AudioEncoder.Forward(a, padding, training)
		if err != nil {
			return nil, err
		}
		v, err = m.VideoEncoder.Forward(v, padding, training)
		if err != nil {
			return nil, err
		}

		fused, err := autodiff.ConcatCols([]*autodiff.Tensor{a, v})
		if err != nil {
			return nil, err
		}
		fused, err = m.FusedEncoder.Forward(fused, padding, training)
		if err != nil {
			return nil, err
		}

		p, err := autodiff.MaskedMean(fused, row)
		if err != nil {
			return nil, err
		}
		pooled = append(pooled, p)
	}

	batch, err := autodiff.ConcatRows(pooled)
	if err != nil {
		return nil, err
	}
	return m.Head.Forward(batch, training)
}

// Parameters returns every trainable tensor.
func (m *StackedEncoderFusion) Parameters() map[string]*autodiff.Tensor {
	out := m.Head.Parameters()
	for _, params := range []map[string]*autodiff.Tensor{
		m.AudioProj.Parameters(), m.VideoProj.Parameters(),
		m.AudioEncoder.Parameters(), m.VideoEncoder.Parameters(),
		m.FusedEncoder.Parameters(),
	} {
		for k, v := range params {
			out[k] = v
		}
	}
	return out
}

// Outputs reports the per-sample output width.
func (m *StackedEncoderFusion) Outputs() int { return 1 }
