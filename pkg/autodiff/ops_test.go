package autodiff

import (
	"math"
	"testing"
)

const (
	fdEps   = 1e-5
	gradTol = 1e-4
)

func onesMatrix(rows, cols int) *Matrix {
	m := MustNewMatrix(rows, cols)
	for i := range m.Data {
		for j := range m.Data[i] {
			m.Data[i][j] = 1.0
		}
	}
	return m
}

// scalarize reduces a tensor to 1x1 by summing all entries through matmuls,
// so gradients flow back with unit weight per entry.
func scalarize(x *Tensor) (*Tensor, error) {
	rows, cols := x.Shape()
	h, err := MatMul(Constant(onesMatrix(1, rows), "left"), x)
	if err != nil {
		return nil, err
	}
	return MatMul(h, Constant(onesMatrix(cols, 1), "right"))
}

// checkGrad compares the analytic gradient of sum(forward()) with central
// finite differences over every entry of param.
func checkGrad(t *testing.T, param *Tensor, forward func() (*Tensor, error)) {
	t.Helper()

	eval := func() float64 {
		out, err := forward()
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		s, err := scalarize(out)
		if err != nil {
			t.Fatalf("scalarize failed: %v", err)
		}
		return s.Data.Data[0][0]
	}

	out, err := forward()
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	s, err := scalarize(out)
	if err != nil {
		t.Fatalf("scalarize failed: %v", err)
	}
	param.ZeroGrad()
	if err := s.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	analytic := param.Grad.Clone()

	for i := range param.Data.Data {
		for j := range param.Data.Data[i] {
			orig := param.Data.Data[i][j]
			param.Data.Data[i][j] = orig + fdEps
			plus := eval()
			param.Data.Data[i][j] = orig - fdEps
			minus := eval()
			param.Data.Data[i][j] = orig

			numeric := (plus - minus) / (2 * fdEps)
			if diff := math.Abs(numeric - analytic.Data[i][j]); diff > gradTol {
				t.Errorf("gradient mismatch at (%d,%d): analytic %v, numeric %v", i, j, analytic.Data[i][j], numeric)
			}
		}
	}
}

func testParam(t *testing.T, data [][]float64, name string) *Tensor {
	t.Helper()
	p, err := NewTensor(MustNewMatrixFrom(data), &TensorConfig{RequiresGrad: true, Name: name})
	if err != nil {
		t.Fatalf("creating %s: %v", name, err)
	}
	return p
}

func TestMatMulGradient(t *testing.T) {
	a := testParam(t, [][]float64{{0.5, -1.2, 0.3}, {1.1, 0.4, -0.7}}, "a")
	b := testParam(t, [][]float64{{0.2, -0.5}, {0.9, 0.1}, {-0.3, 0.8}}, "b")

	for _, p := range []*Tensor{a, b} {
		checkGrad(t, p, func() (*Tensor, error) { return MatMul(a, b) })
	}
}

func TestAddBiasGradient(t *testing.T) {
	x := testParam(t, [][]float64{{0.5, -1.2}, {1.1, 0.4}, {-0.3, 0.8}}, "x")
	bias := testParam(t, [][]float64{{0.7, -0.2}}, "bias")

	for _, p := range []*Tensor{x, bias} {
		checkGrad(t, p, func() (*Tensor, error) { return AddBias(x, bias) })
	}
}

func TestSoftmaxGradient(t *testing.T) {
	x := testParam(t, [][]float64{{0.5, -1.2, 0.3}, {2.0, 0.1, -0.4}}, "x")
	checkGrad(t, x, func() (*Tensor, error) { return Softmax(x) })
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := testParam(t, [][]float64{{3.0, 1.0, -2.0}, {-1e9, 0.0, 0.5}}, "x")
	out, err := Softmax(x)
	if err != nil {
		t.Fatalf("softmax failed: %v", err)
	}
	for i, row := range out.Data.Data {
		sum := 0.0
		for _, v := range row {
			if math.IsNaN(v) {
				t.Fatalf("row %d contains NaN", i)
			}
			sum += v
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("row %d sums to %v, expected 1", i, sum)
		}
	}
	if out.Data.Data[1][0] != 0 {
		t.Errorf("heavily biased position kept weight %v, expected 0", out.Data.Data[1][0])
	}
}

func TestGELUGradient(t *testing.T) {
	x := testParam(t, [][]float64{{0.5, -1.2, 0.0}, {1.7, -0.3, 2.1}}, "x")
	checkGrad(t, x, func() (*Tensor, error) { return GELU(x) })
}

func TestReLUGradient(t *testing.T) {
	x := testParam(t, [][]float64{{0.5, -1.2, 0.3}, {1.7, -0.3, 2.1}}, "x")
	checkGrad(t, x, func() (*Tensor, error) { return ReLU(x) })
}

func TestSigmoidGradient(t *testing.T) {
	x := testParam(t, [][]float64{{0.5, -1.2}, {1.7, -0.3}}, "x")
	checkGrad(t, x, func() (*Tensor, error) { return Sigmoid(x) })
}

func TestLayerNormGradient(t *testing.T) {
	x := testParam(t, [][]float64{{1.5, -0.8, 0.4, 2.2}, {-1.1, 0.9, 0.3, -0.5}}, "x")
	gamma := testParam(t, [][]float64{{1.2, 0.8, 1.0, 0.9}}, "gamma")
	beta := testParam(t, [][]float64{{0.1, -0.2, 0.0, 0.3}}, "beta")

	for _, p := range []*Tensor{x, gamma, beta} {
		checkGrad(t, p, func() (*Tensor, error) { return LayerNorm(x, gamma, beta, 1e-5) })
	}
}

func TestMaskedMeanGradient(t *testing.T) {
	x := testParam(t, [][]float64{{0.5, -1.2}, {1.1, 0.4}, {-0.3, 0.8}}, "x")
	mask := []float64{1, 1, 0}
	checkGrad(t, x, func() (*Tensor, error) { return MaskedMean(x, mask) })
}

func TestMaskedMeanMatchesPlainMeanWhenFullyValid(t *testing.T) {
	x := testParam(t, [][]float64{{1.0, 2.0}, {3.0, 4.0}}, "x")
	out, err := MaskedMean(x, []float64{1, 1})
	if err != nil {
		t.Fatalf("masked mean failed: %v", err)
	}
	want := []float64{2.0, 3.0}
	for j, v := range want {
		if math.Abs(out.Data.Data[0][j]-v) > 1e-12 {
			t.Errorf("column %d: got %v, want %v", j, out.Data.Data[0][j], v)
		}
	}
}

func TestMaskedMeanIgnoresInvalidRows(t *testing.T) {
	x := testParam(t, [][]float64{{1.0, 2.0}, {100.0, -100.0}}, "x")
	out, err := MaskedMean(x, []float64{1, 0})
	if err != nil {
		t.Fatalf("masked mean failed: %v", err)
	}
	if out.Data.Data[0][0] != 1.0 || out.Data.Data[0][1] != 2.0 {
		t.Errorf("invalid row leaked into the mean: got %v", out.Data.Data[0])
	}
}

func TestMaskedMeanClampsEmptyMask(t *testing.T) {
	x := testParam(t, [][]float64{{1.0, 2.0}, {3.0, 4.0}}, "x")
	out, err := MaskedMean(x, []float64{0, 0})
	if err != nil {
		t.Fatalf("masked mean failed: %v", err)
	}
	for _, v := range out.Data.Data[0] {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("empty mask produced non-finite output %v", out.Data.Data[0])
		}
	}
}

func TestShiftRows(t *testing.T) {
	x := testParam(t, [][]float64{{1, 2}, {3, 4}, {5, 6}}, "x")

	down, err := ShiftRows(x, 1)
	if err != nil {
		t.Fatalf("shift down failed: %v", err)
	}
	if down.Data.Data[0][0] != 0 || down.Data.Data[1][0] != 1 || down.Data.Data[2][0] != 3 {
		t.Errorf("shift down produced %v", down.Data.Data)
	}

	up, err := ShiftRows(x, -1)
	if err != nil {
		t.Fatalf("shift up failed: %v", err)
	}
	if up.Data.Data[0][0] != 3 || up.Data.Data[1][0] != 5 || up.Data.Data[2][0] != 0 {
		t.Errorf("shift up produced %v", up.Data.Data)
	}

	checkGrad(t, x, func() (*Tensor, error) { return ShiftRows(x, 1) })
}

func TestSliceAndConcatGradients(t *testing.T) {
	x := testParam(t, [][]float64{{0.5, -1.2, 0.3, 0.9}, {1.1, 0.4, -0.7, 0.2}}, "x")

	checkGrad(t, x, func() (*Tensor, error) { return SliceCols(x, 1, 2) })
	checkGrad(t, x, func() (*Tensor, error) { return SliceRows(x, 0, 1) })
	checkGrad(t, x, func() (*Tensor, error) {
		a, err := SliceCols(x, 0, 2)
		if err != nil {
			return nil, err
		}
		b, err := SliceCols(x, 2, 2)
		if err != nil {
			return nil, err
		}
		return ConcatCols([]*Tensor{b, a})
	})
	checkGrad(t, x, func() (*Tensor, error) {
		a, err := SliceRows(x, 0, 1)
		if err != nil {
			return nil, err
		}
		b, err := SliceRows(x, 1, 1)
		if err != nil {
			return nil, err
		}
		return ConcatRows([]*Tensor{b, a})
	})
}

func TestDropoutDisabledOutsideTraining(t *testing.T) {
	x := testParam(t, [][]float64{{0.5, -1.2}, {1.1, 0.4}}, "x")
	out, err := Dropout(x, 0.9, false)
	if err != nil {
		t.Fatalf("dropout failed: %v", err)
	}
	if !Equal(out.Data, x.Data, 0) {
		t.Errorf("evaluation-mode dropout changed values: %v", out.Data.Data)
	}
}

func TestTransposeGradient(t *testing.T) {
	x := testParam(t, [][]float64{{0.5, -1.2, 0.3}, {1.1, 0.4, -0.7}}, "x")
	checkGrad(t, x, func() (*Tensor, error) { return TensorTranspose(x) })
}
