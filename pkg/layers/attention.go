package layers

import (
	"fmt"
	"math"

	"github.com/multimodal_fusion/internal/masking"
	"github.com/multimodal_fusion/pkg/autodiff"
)

// MultiHeadAttention is scaled dot-product attention restricted to valid
// key positions. One instance serves self-, cross- and fused attention; the
// caller chooses what to pass as query/key/value.
type MultiHeadAttention struct {
	NumHeads int
	ModelDim int
	HeadDim  int

	Wq *autodiff.Tensor
	Wk *autodiff.Tensor
	Wv *autodiff.Tensor
	Wo *autodiff.Tensor

	dropRate float64
	name     string
}

// NewMultiHeadAttention creates the attention layer. The model dimension
// must divide evenly across heads.
func NewMultiHeadAttention(modelDim, numHeads int, dropout float64, name string) (*MultiHeadAttention, error) {
	if numHeads <= 0 || modelDim%numHeads != 0 {
		return nil, fmt.Errorf("%s: model dimension %d not divisible by %d heads", name, modelDim, numHeads)
	}

	mha := &MultiHeadAttention{
		NumHeads: numHeads,
		ModelDim: modelDim,
		HeadDim:  modelDim / numHeads,
		dropRate: dropout,
		name:     name,
	}

	for _, p := range []struct {
		dst **autodiff.Tensor
		tag string
	}{
		{&mha.Wq, "q"}, {&mha.Wk, "k"}, {&mha.Wv, "v"}, {&mha.Wo, "out"},
	} {
		w, err := autodiff.NewRandomTensor(modelDim, modelDim, &autodiff.TensorConfig{
			RequiresGrad: true,
			Name:         fmt.Sprintf("%s.%s_proj", name, p.tag),
		})
		if err != nil {
			return nil, err
		}
		*p.dst = w
	}

	return mha, nil
}

// Forward computes attention from query over key/value. keyMask is the
// validity row for the key sequence (nil means every position is valid);
// positions with mask 0 receive a large negative score bias, so their
// post-softmax weight is exactly zero for any row with at least one valid
// key. Rows with no valid key fall back to uniform weights (see
// masking.AttentionBias) instead of propagating NaN.
func (mha *MultiHeadAttention) Forward(query, key, value *autodiff.Tensor, keyMask []float64, training bool) (*autodiff.Tensor, error) {
	if query.Data.Cols != mha.ModelDim || key.Data.Cols != mha.ModelDim || value.Data.Cols != mha.ModelDim {
		return nil, fmt.Errorf("%s: input width does not match model dimension %d", mha.name, mha.ModelDim)
	}
	if key.Data.Rows != value.Data.Rows {
		return nil, fmt.Errorf("%s: key length %d != value length %d", mha.name, key.Data.Rows, value.Data.Rows)
	}
	if keyMask != nil && len(keyMask) != key.Data.Rows {
		return nil, fmt.Errorf("%s: mask length %d does not match key length %d", mha.name, len(keyMask), key.Data.Rows)
	}

	q, err := autodiff.MatMul(query, mha.Wq)
	if err != nil {
		return nil, fmt.Errorf("%s query proj: %w", mha.name, err)
	}
	k, err := autodiff.MatMul(key, mha.Wk)
	if err != nil {
		return nil, fmt.Errorf("%s key proj: %w", mha.name, err)
	}
	v, err := autodiff.MatMul(value, mha.Wv)
	if err != nil {
		return nil, fmt.Errorf("%s value proj: %w", mha.name, err)
	}

	var bias *autodiff.Tensor
	if keyMask != nil {
		biasData, err := masking.AttentionBias(query.Data.Rows, keyMask)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", mha.name, err)
		}
		bias = autodiff.Constant(biasData, mha.name+".bias")
	}

	heads := make([]*autodiff.Tensor, 0, mha.NumHeads)
	for h := 0; h < mha.NumHeads; h++ {
		start := h * mha.HeadDim
		qh, err := autodiff.SliceCols(q, start, mha.HeadDim)
		if err != nil {
			return nil, err
		}
		kh, err := autodiff.SliceCols(k, start, mha.HeadDim)
		if err != nil {
			return nil, err
		}
		vh, err := autodiff.SliceCols(v, start, mha.HeadDim)
		if err != nil {
			return nil, err
		}

		kt, err := autodiff.TensorTranspose(kh)
		if err != nil {
			return nil, err
		}
		scores, err := autodiff.MatMul(qh, kt)
		if err != nil {
			return nil, err
		}
		scores, err = autodiff.ScalarMultiply(scores, 1.0/math.Sqrt(float64(mha.HeadDim)))
		if err != nil {
			return nil, err
		}
		if bias != nil {
			scores, err = autodiff.Add(scores, bias)
			if err != nil {
				return nil, err
			}
		}

		weights, err := autodiff.Softmax(scores)
		if err != nil {
			return nil, err
		}
		weights, err = autodiff.Dropout(weights, mha.dropRate, training)
		if err != nil {
			return nil, err
		}

		ctx, err := autodiff.MatMul(weights, vh)
		if err != nil {
			return nil, err
		}
		heads = append(heads, ctx)
	}

	concat, err := autodiff.ConcatCols(heads)
	if err != nil {
		return nil, err
	}
	return autodiff.MatMul(concat, mha.Wo)
}

// Parameters returns the four projection matrices keyed by name.
func (mha *MultiHeadAttention) Parameters() map[string]*autodiff.Tensor {
	return map[string]*autodiff.Tensor{
		mha.Wq.Name: mha.Wq,
		mha.Wk.Name: mha.Wk,
		mha.Wv.Name: mha.Wv,
		mha.Wo.Name: mha.Wo,
	}
}
