package masking

import (
	"math"
	"testing"

	"github.com/multimodal_fusion/pkg/autodiff"
)

func TestNewRejectsBadRows(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty mask")
	}
	if _, err := New([][]float64{{1, 0}, {1}}); err == nil {
		t.Fatal("expected error for ragged rows")
	}
	if _, err := New([][]float64{{1, 0.5}}); err == nil {
		t.Fatal("expected error for non-binary entries")
	}
}

func TestFromLengths(t *testing.T) {
	m, err := FromLengths([]int{4, 2}, 4)
	if err != nil {
		t.Fatalf("from lengths failed: %v", err)
	}
	if m.Batch() != 2 || m.SeqLen() != 4 {
		t.Fatalf("mask is %dx%d, expected 2x4", m.Batch(), m.SeqLen())
	}
	want := [][]float64{{1, 1, 1, 1}, {1, 1, 0, 0}}
	for i, row := range want {
		for j, v := range row {
			if m.Row(i)[j] != v {
				t.Errorf("row %d position %d: got %v, want %v", i, j, m.Row(i)[j], v)
			}
		}
	}

	if _, err := FromLengths([]int{5}, 4); err == nil {
		t.Fatal("expected error for length exceeding seqLen")
	}
}

func TestValidCountClampsToOne(t *testing.T) {
	if got := ValidCount([]float64{0, 0, 0}); got != 1 {
		t.Errorf("ValidCount of empty row = %v, want 1", got)
	}
	if got := ValidCount([]float64{1, 0, 1}); got != 2 {
		t.Errorf("ValidCount = %v, want 2", got)
	}
}

func TestMaskedAverage(t *testing.T) {
	x := autodiff.MustNewMatrixFrom([][]float64{{1, 2}, {3, 4}, {100, 100}})
	avg, err := MaskedAverage(x, []float64{1, 1, 0})
	if err != nil {
		t.Fatalf("masked average failed: %v", err)
	}
	if avg[0] != 2 || avg[1] != 3 {
		t.Errorf("masked average = %v, want [2 3]", avg)
	}

	zero, err := MaskedAverage(x, []float64{0, 0, 0})
	if err != nil {
		t.Fatalf("masked average failed: %v", err)
	}
	for _, v := range zero {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("all-invalid average is non-finite: %v", zero)
		}
	}

	if _, err := MaskedAverage(x, []float64{1, 1}); err == nil {
		t.Fatal("expected error for mask length mismatch")
	}
}

func TestAttentionBias(t *testing.T) {
	bias, err := AttentionBias(2, []float64{1, 0, 1})
	if err != nil {
		t.Fatalf("attention bias failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if bias.Data[i][0] != 0 || bias.Data[i][2] != 0 {
			t.Errorf("row %d biases valid keys: %v", i, bias.Data[i])
		}
		if bias.Data[i][1] != attentionBias {
			t.Errorf("row %d leaves invalid key unbiased: %v", i, bias.Data[i])
		}
	}
}

func TestAttentionBiasAllInvalidFallsBackToUniform(t *testing.T) {
	bias, err := AttentionBias(3, []float64{0, 0})
	if err != nil {
		t.Fatalf("attention bias failed: %v", err)
	}
	for i, row := range bias.Data {
		for j, v := range row {
			if v != 0 {
				t.Errorf("all-invalid row should be unbiased, got %v at (%d,%d)", v, i, j)
			}
		}
	}
}

func TestKeyPaddingRoundTrip(t *testing.T) {
	row := []float64{1, 1, 0, 0}
	pad := KeyPadding(row)
	want := []float64{0, 0, 1, 1}
	for i := range want {
		if pad[i] != want[i] {
			t.Fatalf("KeyPadding = %v, want %v", pad, want)
		}
	}
	back := Validity(pad)
	for i := range row {
		if back[i] != row[i] {
			t.Fatalf("Validity(KeyPadding(row)) = %v, want %v", back, row)
		}
	}
}

func TestPrependValid(t *testing.T) {
	out := PrependValid([]float64{0, 1})
	want := []float64{1, 0, 1}
	if len(out) != len(want) {
		t.Fatalf("length %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("PrependValid = %v, want %v", out, want)
		}
	}
}
