package layers

import (
	"math"
	"testing"

	"github.com/multimodal_fusion/pkg/autodiff"
)

func finite(t *testing.T, x *autodiff.Tensor) {
	t.Helper()
	for i, row := range x.Data.Data {
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("non-finite value at (%d,%d)", i, j)
			}
		}
	}
}

func TestEncoderBlockPreservesShape(t *testing.T) {
	for _, pre := range []bool{true, false} {
		block, err := NewEncoderBlock(EncoderConfig{
			Dim:        4,
			Heads:      2,
			Hidden:     8,
			Activation: ActGELU,
			Dropout:    0,
			PreNorm:    pre,
		}, "block")
		if err != nil {
			t.Fatalf("creating block: %v", err)
		}

		in := constant(t, [][]float64{
			{0.5, -1.2, 0.3, 0.9},
			{1.1, 0.4, -0.7, 0.2},
			{-0.3, 0.8, 0.6, -1.5},
		})
		out, err := block.Forward(in, []float64{1, 1, 0}, false)
		if err != nil {
			t.Fatalf("forward failed (preNorm=%v): %v", pre, err)
		}
		if rows, cols := out.Shape(); rows != 3 || cols != 4 {
			t.Fatalf("output is %dx%d, expected 3x4 (preNorm=%v)", rows, cols, pre)
		}
		finite(t, out)
	}
}

func TestEncoderStacksIndependentLayers(t *testing.T) {
	enc, err := NewEncoder(EncoderConfig{
		Dim:        4,
		Heads:      1,
		Hidden:     8,
		Activation: ActReLU,
		Dropout:    0,
		PreNorm:    true,
	}, 2, true, "enc")
	if err != nil {
		t.Fatalf("creating encoder: %v", err)
	}
	if len(enc.Blocks) != 2 {
		t.Fatalf("encoder has %d blocks, expected 2", len(enc.Blocks))
	}
	if enc.Blocks[0].SelfAttn.Wq == enc.Blocks[1].SelfAttn.Wq {
		t.Fatal("layers share attention weights")
	}

	in := constant(t, [][]float64{
		{0.5, -1.2, 0.3, 0.9},
		{1.1, 0.4, -0.7, 0.2},
	})
	out, err := enc.Forward(in, []float64{1, 1}, false)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if rows, cols := out.Shape(); rows != 2 || cols != 4 {
		t.Fatalf("output is %dx%d, expected 2x4", rows, cols)
	}

	// Every block and the final norm contribute parameters.
	want := 2*(4+4+2+2) + 2
	if got := len(enc.Parameters()); got != want {
		t.Errorf("encoder exposes %d parameters, expected %d", got, want)
	}
}

func TestStackedEncoderPaddingMatchesNoMask(t *testing.T) {
	enc, err := NewStackedEncoder(4, 2, 8, 1, 0, true, "stacked")
	if err != nil {
		t.Fatalf("creating encoder: %v", err)
	}
	in := constant(t, [][]float64{
		{0.5, -1.2, 0.3, 0.9},
		{1.1, 0.4, -0.7, 0.2},
	})

	unpadded, err := enc.Forward(in, []float64{0, 0}, false)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	bare, err := enc.Forward(in, nil, false)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if !autodiff.Equal(unpadded.Data, bare.Data, 1e-12) {
		t.Error("all-zero key padding should behave like no mask")
	}
}
