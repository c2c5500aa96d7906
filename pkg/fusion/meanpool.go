package fusion

import (
	"github.com/multimodal_fusion/internal/masking"
	"github.com/multimodal_fusion/pkg/autodiff"
)

// MeanPoolFusion is the non-attentive baseline: masked-average each modality
// over time, concatenate the two pooled vectors and classify.
type MeanPoolFusion struct {
	Head *ShallowNN

	audioDim int
	videoDim int
}

// NewMeanPoolFusion creates the baseline model.
func NewMeanPoolFusion(cfg Config) (*MeanPoolFusion, error) {
	head, err := NewShallowNN(cfg.AudioDim+cfg.VideoDim, 1024, 1, true, 0, "meanpool.head")
	if err != nil {
		return nil, err
	}
	return &MeanPoolFusion{Head: head, audioDim: cfg.AudioDim, videoDim: cfg.VideoDim}, nil
}

// Forward pools each sample's modalities over valid timesteps and maps the
// concatenation to a (B,1) probability column.
func (m *MeanPoolFusion) Forward(audio, video []*autodiff.Matrix, mask *masking.Mask, training bool) (*autodiff.Tensor, error) {
	if err := checkBatch(audio, video, mask, m.audioDim, m.videoDim); err != nil {
		return nil, err
	}

	pooled := make([]*autodiff.Tensor, 0, len(audio))
	for i := range audio {
		row := mask.Row(i)
		a, err := autodiff.MaskedMean(autodiff.Constant(audio[i], "audio"), row)
		if err != nil {
			return nil, err
		}
		v, err := autodiff.MaskedMean(autodiff.Constant(video[i], "video"), row)
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

// Parameters returns the head's trainable tensors.
func (m *MeanPoolFusion) Parameters() map[string]*autodiff.Tensor {
	return m.Head.Parameters()
}

// Outputs reports the per-sample output width.
func (m *MeanPoolFusion) Outputs() int { return 1 }
