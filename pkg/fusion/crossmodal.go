package fusion

import (
	"github.com/multimodal_fusion/internal/masking"
	"github.com/multimodal_fusion/pkg/autodiff"
	"github.com/multimodal_fusion/pkg/layers"
)

// CrossModalFusion is the full architecture: both modalities are projected
// to the fused dimension, encoded independently, then mixed by a fusion
// decoder where each modality attends over the other. The fused (T, 2F)
// sequence is masked-pooled and classified.
type CrossModalFusion struct {
	AudioProj    layers.Projection
	VideoProj    layers.Projection
	AudioEncoder *layers.Encoder
	VideoEncoder *layers.Encoder
	Decoder      *layers.FusionDecoder
	Head         *ShallowNN

	audioDim int
	videoDim int
}

// NewCrossModalFusion creates the cross-modal model.
func NewCrossModalFusion(cfg Config) (*CrossModalFusion, error) {
	audioProj, err := layers.NewProjection(cfg.AudioDim, cfg.FusedDim, cfg.Projection, "crossmodal.audio_proj")
	if err != nil {
		return nil, err
	}
	videoProj, err := layers.NewProjection(cfg.VideoDim, cfg.FusedDim, cfg.Projection, "crossmodal.video_proj")
	if err != nil {
		return nil, err
	}

	const (
		hidden  = 256
		dropout = 0.1
	)
	encCfg := layers.EncoderConfig{
		Dim:        cfg.FusedDim,
		Heads:      1,
		Hidden:     hidden,
		Activation: layers.ActReLU,
		Dropout:    dropout,
		PreNorm:    true,
	}
	audioEnc, err := layers.NewEncoder(encCfg, cfg.Layers, true, "crossmodal.audio_enc")
	if err != nil {
		return nil, err
	}
	videoEnc, err := layers.NewEncoder(encCfg, cfg.Layers, true, "crossmodal.video_enc")
	if err != nil {
		return nil, err
	}

	decoder, err := layers.NewFusionDecoder(cfg.FusedDim, 1, hidden, layers.ActReLU, dropout, "crossmodal.decoder")
	if err != nil {
		return nil, err
	}
	head, err := NewShallowNN(2*cfg.FusedDim, cfg.FusedDim, 1, true, dropout, "crossmodal.head")
	if err != nil {
		return nil, err
	}

	return &CrossModalFusion{
		AudioProj:    audioProj,
		VideoProj:    videoProj,
		AudioEncoder: audioEnc,
		VideoEncoder: videoEnc,
		Decoder:      decoder,
		Head:         head,
		audioDim:     cfg.AudioDim,
		videoDim:     cfg.VideoDim,
	}, nil
}

// Forward projects, encodes, cross-attends, pools and classifies one batch.
func (m *CrossModalFusion) Forward(audio, video []*autodiff.Matrix, mask *masking.Mask, training bool) (*autodiff.Tensor, error) {
	if err := checkBatch(audio, video, mask, m.audioDim, m.videoDim); err != nil {
		return nil, err
	}

	pooled := make([]*autodiff.Tensor, 0, len(audio))
	for i := range audio {
		row := mask.Row(i)

		a, err := m.AudioProj.Forward(autodiff.Constant(audio[i], "audio"))
		if err != nil {
			return nil, err
		}
		v, err := m.VideoProj.Forward(autodiff.Constant(video[i], "video"))
		if err != nil {
			return nil, err
		}

		a, err = m.AudioEncoder.Forward(a, row, training)
		if err != nil {
			return nil, err
		}
		v, err = m.VideoEncoder.Forward(v, row, training)
		if err != nil {
			return nil, err
		}

		fused, err := m.Decoder.Forward(a, v, row, training)
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
func (m *CrossModalFusion) Parameters() map[string]*autodiff.Tensor {
	out := m.Head.Parameters()
	for _, params := range []map[string]*autodiff.Tensor{
		m.AudioProj.Parameters(), m.VideoProj.Parameters(),
		m.AudioEncoder.Parameters(), m.VideoEncoder.Parameters(),
		m.Decoder.Parameters(),
	} {
		for k, v := range params {
			out[k] = v
		}
	}
	return out
}

// Outputs reports the per-sample output width.
func (m *CrossModalFusion) Outputs() int { return 1 }
