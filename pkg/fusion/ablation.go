package fusion

import (
	"fmt"

	"github.com/multimodal_fusion/internal/masking"
	"github.com/multimodal_fusion/pkg/autodiff"
	"github.com/multimodal_fusion/pkg/layers"
)

// Ablation bitmask bits.
const (
	BitSelf  = 1 << 0
	BitCross = 1 << 1
	BitFused = 1 << 2
)

// AblationFusion exposes each attention stage as an independent switch so
// the contribution of self-, cross- and fused attention can be measured in
// isolation. A learned classification token is prepended to the fused
// sequence with an always-valid mask entry; its output position feeds a
// 2-way categorical head, replacing masked pooling.
type AblationFusion struct {
	AudioProj layers.Projection
	VideoProj layers.Projection

	AudioSelf  *layers.MultiHeadAttention
	VideoSelf  *layers.MultiHeadAttention
	AudioCross *layers.MultiHeadAttention
	VideoCross *layers.MultiHeadAttention
	FusedAttn  *layers.MultiHeadAttention
	AudioFF    *layers.FeedForward
	VideoFF    *layers.FeedForward
	FusedFF    *layers.FeedForward

	Cls  *autodiff.Tensor
	Head *layers.Linear

	// One norm per sublayer, indexed in forward order. Whether it runs
	// before the sublayer or after the residual depends on preNorm.
	norms [8]*layers.LayerNorm

	enableSelf  bool
	enableCross bool
	enableFused bool
	preNorm     bool
	dropRate    float64

	audioDim int
	videoDim int
}

// NewAblationFusion creates the ablation model from cfg.Bitmask.
func NewAblationFusion(cfg Config) (*AblationFusion, error) {
	if cfg.Bitmask < 0 || cfg.Bitmask > BitSelf|BitCross|BitFused {
		return nil, fmt.Errorf("ablation bitmask %d out of range [0,7]", cfg.Bitmask)
	}

	const (
		heads   = 4
		hidden  = 256
		dropout = 0.1
	)
	f := cfg.FusedDim

	m := &AblationFusion{
		enableSelf:  cfg.Bitmask&BitSelf != 0,
		enableCross: cfg.Bitmask&BitCross != 0,
		enableFused: cfg.Bitmask&BitFused != 0,
		preNorm:     cfg.PreNorm,
		dropRate:    dropout,
		audioDim:    cfg.AudioDim,
		videoDim:    cfg.VideoDim,
	}

	var err error
	if m.AudioProj, err = layers.NewProjection(cfg.AudioDim, f, cfg.Projection, "ablation.audio_proj"); err != nil {
		return nil, err
	}
	if m.VideoProj, err = layers.NewProjection(cfg.VideoDim, f, cfg.Projection, "ablation.video_proj"); err != nil {
		return nil, err
	}

	for _, a := range []struct {
		dst **layers.MultiHeadAttention
		dim int
		tag string
	}{
		{&m.AudioSelf, f, "audio_self"}, {&m.VideoSelf, f, "video_self"},
		{&m.AudioCross, f, "audio_cross"}, {&m.VideoCross, f, "video_cross"},
		{&m.FusedAttn, 2 * f, "fused_attn"},
	} {
		attn, err := layers.NewMultiHeadAttention(a.dim, heads, dropout, "ablation."+a.tag)
		if err != nil {
			return nil, err
		}
		*a.dst = attn
	}

	if m.AudioFF, err = layers.NewFeedForward(f, hidden, layers.ActReLU, dropout, "ablation.audio_ff"); err != nil {
		return nil, err
	}
	if m.VideoFF, err = layers.NewFeedForward(f, hidden, layers.ActReLU, dropout, "ablation.video_ff"); err != nil {
		return nil, err
	}
	if m.FusedFF, err = layers.NewFeedForward(2*f, hidden, layers.ActReLU, dropout, "ablation.fused_ff"); err != nil {
		return nil, err
	}

	for i := range m.norms {
		dim := f
		if i >= 6 {
			dim = 2 * f
		}
		n, err := layers.NewLayerNorm(dim, fmt.Sprintf("ablation.norm%d", i))
		if err != nil {
			return nil, err
		}
		m.norms[i] = n
	}

	if m.Cls, err = autodiff.NewNormalTensor(1, 2*f, 0.02, &autodiff.TensorConfig{
		RequiresGrad: true,
		Name:         "ablation.cls_token",
	}); err != nil {
		return nil, err
	}
	if m.Head, err = layers.NewLinear(2*f, 2, "ablation.head"); err != nil {
		return nil, err
	}

	return m, nil
}

// maybeNormalize applies norm i when the model's norm placement matches the
// call site: pre=true sites run under pre-norm, pre=false under post-norm.
func (m *AblationFusion) maybeNormalize(i int, x *autodiff.Tensor, pre bool) (*autodiff.Tensor, error) {
	if m.preNorm != pre {
		return x, nil
	}
	return m.norms[i].Forward(x)
}

// attnSublayer applies x = x + drop(attn(x, x, x)) with norm i around it.
func (m *AblationFusion) attnSublayer(i int, attn *layers.MultiHeadAttention, x *autodiff.Tensor, mask []float64, training bool) (*autodiff.Tensor, error) {
	h, err := m.maybeNormalize(i, x, true)
	if err != nil {
		return nil, err
	}
	h, err = attn.Forward(h, h, h, mask, training)
	if err != nil {
		return nil, err
	}
	h, err = autodiff.Dropout(h, m.dropRate, training)
	if err != nil {
		return nil, err
	}
	x, err = autodiff.Add(x, h)
	if err != nil {
		return nil, err
	}
	return m.maybeNormalize(i, x, false)
}

// ffSublayer applies x = x + drop(ff(x)) with norm i around it.
func (m *AblationFusion) ffSublayer(i int, ff *layers.FeedForward, x *autodiff.Tensor, training bool) (*autodiff.Tensor, error) {
	h, err := m.maybeNormalize(i, x, true)
	if err != nil {
		return nil, err
	}
	h, err = ff.Forward(h, training)
	if err != nil {
		return nil, err
	}
	h, err = autodiff.Dropout(h, m.dropRate, training)
	if err != nil {
		return nil, err
	}
	x, err = autodiff.Add(x, h)
	if err != nil {
		return nil, err
	}
	return m.maybeNormalize(i, x, false)
}

func (m *AblationFusion) forwardSample(audio, video *autodiff.Matrix, row []float64, training bool) (*autodiff.Tensor, error) {
	a, err := m.AudioProj.Forward(autodiff.Constant(audio, "audio"))
	if err != nil {
		return nil, err
	}
	v, err := m.VideoProj.Forward(autodiff.Constant(video, "video"))
	if err != nil {
		return nil, err
	}

	if m.enableSelf {
		if a, err = m.attnSublayer(0, m.AudioSelf, a, row, training); err != nil {
			return nil, err
		}
		if a, err = m.ffSublayer(1, m.AudioFF, a, training); err != nil {
			return nil, err
		}
		if v, err = m.attnSublayer(2, m.VideoSelf, v, row, training); err != nil {
			return nil, err
		}
		if v, err = m.ffSublayer(3, m.VideoFF, v, training); err != nil {
			return nil, err
		}
	}

	if m.enableCross {
		// The two cross sublayers run strictly sequentially: the video
		// query attends over the already-updated audio stream.
		an, err := m.maybeNormalize(4, a, true)
		if err != nil {
			return nil, err
		}
		vn, err := m.maybeNormalize(5, v, true)
		if err != nil {
			return nil, err
		}
		h, err := m.AudioCross.Forward(an, vn, vn, row, training)
		if err != nil {
			return nil, err
		}
		if h, err = autodiff.Dropout(h, m.dropRate, training); err != nil {
			return nil, err
		}
		if a, err = autodiff.Add(a, h); err != nil {
			return nil, err
		}
		if h, err = m.VideoCross.Forward(vn, a, a, row, training); err != nil {
			return nil, err
		}
		if h, err = autodiff.Dropout(h, m.dropRate, training); err != nil {
			return nil, err
		}
		if v, err = autodiff.Add(v, h); err != nil {
			return nil, err
		}
		if a, err = m.maybeNormalize(4, a, false); err != nil {
			return nil, err
		}
		if v, err = m.maybeNormalize(5, v, false); err != nil {
			return nil, err
		}
	}

	f, err := autodiff.ConcatCols([]*autodiff.Tensor{a, v})
	if err != nil {
		return nil, err
	}
	f, err = autodiff.ConcatRows([]*autodiff.Tensor{m.Cls, f})
	if err != nil {
		return nil, err
	}
	fusedRow := masking.PrependValid(row)

	if m.enableFused {
		if f, err = m.attnSublayer(6, m.FusedAttn, f, fusedRow, training); err != nil {
			return nil, err
		}
	}
	if f, err = m.ffSublayer(7, m.FusedFF, f, training); err != nil {
		return nil, err
	}

	out, err := autodiff.SliceRows(f, 0, 1)
	if err != nil {
		return nil, err
	}
	return m.Head.Forward(out)
}

// Forward returns a (B,2) matrix of class logits.
func (m *AblationFusion) Forward(audio, video []*autodiff.Matrix, mask *masking.Mask, training bool) (*autodiff.Tensor, error) {
	if err := checkBatch(audio, video, mask, m.audioDim, m.videoDim); err != nil {
		return nil, err
	}
	logits := make([]*autodiff.Tensor, 0, len(audio))
	for i := range audio {
		out, err := m.forwardSample(audio[i], video[i], mask.Row(i), training)
		if err != nil {
			return nil, err
		}
		logits = append(logits, out)
	}
	return autodiff.ConcatRows(logits)
}

// Parameters returns every trainable tensor, including the stages currently
// disabled by the bitmask so checkpoints stay shape-compatible across
// configurations.
func (m *AblationFusion) Parameters() map[string]*autodiff.Tensor {
	out := map[string]*autodiff.Tensor{m.Cls.Name: m.Cls}
	for _, params := range []map[string]*autodiff.Tensor{
		m.AudioProj.Parameters(), m.VideoProj.Parameters(),
		m.AudioSelf.Parameters(), m.VideoSelf.Parameters(),
		m.AudioCross.Parameters(), m.VideoCross.Parameters(),
		m.FusedAttn.Parameters(),
		m.AudioFF.Parameters(), m.VideoFF.Parameters(), m.FusedFF.Parameters(),
		m.Head.Parameters(),
	} {
		for k, v := range params {
			out[k] = v
		}
	}
	for _, n := range m.norms {
		for k, v := range n.Parameters() {
			out[k] = v
		}
	}
	return out
}

// Outputs reports the per-sample output width.
func (m *AblationFusion) Outputs() int { return 2 }
