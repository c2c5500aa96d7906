// Package fusion composes the layer primitives into the complete
// architectures that turn paired audio/video sequences into per-sample
// decisions. Every architecture implements Model; batches are slices of
// per-sample (T,D) matrices sharing one validity mask.
package fusion

import (
	"fmt"

	"github.com/multimodal_fusion/internal/masking"
	"github.com/multimodal_fusion/pkg/autodiff"
	"github.com/multimodal_fusion/pkg/layers"
)

// Default feature widths of the precomputed modality features and the shared
// width they are projected into before cross-modal interaction.
const (
	DefaultAudioDim = 25
	DefaultVideoDim = 136
	DefaultFusedDim = 128
)

// Architecture names accepted by New.
const (
	NetMeanPool    = "meanpool"
	NetTransformer = "transformer"
	NetAnnotated   = "annotated"
	NetDetr        = "detr"
	NetAblation    = "ablation"
)

// Model is the contract every fusion architecture satisfies. Forward
// consumes one batch of per-sample matrices plus the shared validity mask
// and returns one row of outputs per sample: a (B,1) probability column when
// Outputs() is 1, a (B,2) logit matrix when it is 2.
type Model interface {
	Forward(audio, video []*autodiff.Matrix, mask *masking.Mask, training bool) (*autodiff.Tensor, error)
	Parameters() map[string]*autodiff.Tensor
	Outputs() int
}

// Config carries the architecture-level knobs. Zero dims fall back to the
// defaults above.
type Config struct {
	AudioDim int
	VideoDim int
	FusedDim int

	// Projection selects layers.ProjectMinimal or layers.ProjectConv1D for
	// the architectures that project before encoding.
	Projection string

	// PreNorm selects pre-norm sublayers where the architecture exposes the
	// choice.
	PreNorm bool

	// Layers is the encoder depth for the stacked architecture.
	Layers int

	// Bitmask gates the ablation architecture's stages: bit 0 enables
	// per-modality self-attention, bit 1 cross-modal attention, bit 2 the
	// fused attention over the concatenated sequence.
	Bitmask int
}

func (c Config) withDefaults() Config {
	if c.AudioDim == 0 {
		c.AudioDim = DefaultAudioDim
	}
	if c.VideoDim == 0 {
		c.VideoDim = DefaultVideoDim
	}
	if c.FusedDim == 0 {
		c.FusedDim = DefaultFusedDim
	}
	if c.Projection == "" {
		c.Projection = layers.ProjectMinimal
	}
	if c.Layers == 0 {
		c.Layers = 1
	}
	return c
}

// New constructs the named architecture.
func New(net string, cfg Config) (Model, error) {
	cfg = cfg.withDefaults()
	switch net {
	case NetMeanPool:
		return NewMeanPoolFusion(cfg)
	case NetTransformer:
		return NewShallowAttentionFusion(cfg)
	case NetAnnotated:
		return NewCrossModalFusion(cfg)
	case NetDetr:
		return NewStackedEncoderFusion(cfg)
	case NetAblation:
		return NewAblationFusion(cfg)
	default:
		return nil, fmt.Errorf("unknown architecture %q", net)
	}
}

// checkBatch enforces the batch data contract shared by every architecture:
// equal sample counts across modalities and mask, one shared temporal mask
// per sample, and fixed per-modality feature widths.
func checkBatch(audio, video []*autodiff.Matrix, mask *masking.Mask, audioDim, videoDim int) error {
	if len(audio) == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(audio) != len(video) {
		return fmt.Errorf("audio batch size %d != video batch size %d", len(audio), len(video))
	}
	if mask == nil || mask.Batch() != len(audio) {
		return fmt.Errorf("mask batch size does not match sample count %d", len(audio))
	}
	seqLen := mask.SeqLen()
	for i := range audio {
		if audio[i].Cols != audioDim {
			return fmt.Errorf("sample %d: audio width %d, expected %d", i, audio[i].Cols, audioDim)
		}
		if video[i].Cols != videoDim {
			return fmt.Errorf("sample %d: video width %d, expected %d", i, video[i].Cols, videoDim)
		}
		if audio[i].Rows != seqLen || video[i].Rows != seqLen {
			return fmt.Errorf("sample %d: sequence lengths (audio %d, video %d) do not match mask length %d",
				i, audio[i].Rows, video[i].Rows, seqLen)
		}
	}
	return nil
}
