package autodiff

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// MatMul performs matrix multiplication with gradient tracking.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if a.Data.Cols != b.Data.Rows {
		return nil, fmt.Errorf("matrix dimensions don't match for multiplication: a(%dx%d), b(%dx%d)",
			a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}

	out, err := result(a.Data.Rows, b.Data.Cols, "matmul", a, b)
	if err != nil {
		return nil, err
	}
	out.Data = matmul(a.Data, b.Data)

	if out.RequiresGrad {
		out.backward = func() {
			if a.RequiresGrad {
				// dA[i][k] = sum_j dOut[i][j] * B[k][j]
				for i := 0; i < a.Data.Rows; i++ {
					for k := 0; k < a.Data.Cols; k++ {
						a.Grad.Data[i][k] += floats.Dot(out.Grad.Data[i], b.Data.Data[k])
					}
				}
			}
			if b.RequiresGrad {
				// dB[k] += A[i][k] * dOut[i]
				for i := 0; i < a.Data.Rows; i++ {
					for k := 0; k < a.Data.Cols; k++ {
						if aik := a.Data.Data[i][k]; aik != 0 {
							floats.AddScaled(b.Grad.Data[k], aik, out.Grad.Data[i])
						}
					}
				}
			}
		}
	}

	return out, nil
}

// Add performs element-wise addition with gradient tracking.
func Add(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if a.Data.Rows != b.Data.Rows || a.Data.Cols != b.Data.Cols {
		return nil, fmt.Errorf("matrix dimensions don't match for addition: a(%dx%d), b(%dx%d)",
			a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}

	out, err := result(a.Data.Rows, a.Data.Cols, "add", a, b)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Data.Rows; i++ {
		floats.AddTo(out.Data.Data[i], a.Data.Data[i], b.Data.Data[i])
	}

	if out.RequiresGrad {
		out.backward = func() {
			if a.RequiresGrad {
				for i := range a.Grad.Data {
					floats.Add(a.Grad.Data[i], out.Grad.Data[i])
				}
			}
			if b.RequiresGrad {
				for i := range b.Grad.Data {
					floats.Add(b.Grad.Data[i], out.Grad.Data[i])
				}
			}
		}
	}

	return out, nil
}

// AddBias adds a (1,D) bias row to every row of a (T,D) tensor.
func AddBias(x, bias *Tensor) (*Tensor, error) {
	if x == nil || bias == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if bias.Data.Rows != 1 || bias.Data.Cols != x.Data.Cols {
		return nil, fmt.Errorf("bias shape (%dx%d) does not broadcast over (%dx%d)",
			bias.Data.Rows, bias.Data.Cols, x.Data.Rows, x.Data.Cols)
	}

	out, err := result(x.Data.Rows, x.Data.Cols, "add_bias", x, bias)
	if err != nil {
		return nil, err
	}
	for i := 0; i < x.Data.Rows; i++ {
		floats.AddTo(out.Data.Data[i], x.Data.Data[i], bias.Data.Data[0])
	}

	if out.RequiresGrad {
		out.backward = func() {
			if x.RequiresGrad {
				for i := range x.Grad.Data {
					floats.Add(x.Grad.Data[i], out.Grad.Data[i])
				}
			}
			if bias.RequiresGrad {
				for i := range out.Grad.Data {
					floats.Add(bias.Grad.Data[0], out.Grad.Data[i])
				}
			}
		}
	}

	return out, nil
}

// ScalarMultiply multiplies a tensor by a scalar with gradient tracking.
func ScalarMultiply(a *Tensor, scalar float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	out, err := result(a.Data.Rows, a.Data.Cols, "scalar_multiply", a)
	if err != nil {
		return nil, err
	}
	for i := range a.Data.Data {
		floats.AddScaledTo(out.Data.Data[i], out.Data.Data[i], scalar, a.Data.Data[i])
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i := range a.Grad.Data {
				floats.AddScaled(a.Grad.Data[i], scalar, out.Grad.Data[i])
			}
		}
	}

	return out, nil
}

// TensorTranspose returns the transpose with gradient tracking.
func TensorTranspose(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	out, err := result(a.Data.Cols, a.Data.Rows, "transpose", a)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			out.Data.Data[j][i] = a.Data.Data[i][j]
		}
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i := 0; i < a.Data.Rows; i++ {
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[i][j] += out.Grad.Data[j][i]
				}
			}
		}
	}

	return out, nil
}

// ReLU applies the rectified linear unit element-wise.
func ReLU(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	out, err := result(a.Data.Rows, a.Data.Cols, "relu", a)
	if err != nil {
		return nil, err
	}
	for i := range a.Data.Data {
		for j, v := range a.Data.Data[i] {
			if v > 0 {
				out.Data.Data[i][j] = v
			}
		}
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i := range a.Data.Data {
				for j, v := range a.Data.Data[i] {
					if v > 0 {
						a.Grad.Data[i][j] += out.Grad.Data[i][j]
					}
				}
			}
		}
	}

	return out, nil
}

// GELU applies the Gaussian error linear unit (tanh approximation).
func GELU(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	out, err := result(a.Data.Rows, a.Data.Cols, "gelu", a)
	if err != nil {
		return nil, err
	}

	sqrt2OverPi := math.Sqrt(2.0 / math.Pi)
	const coeff = 0.044715

	for i := range a.Data.Data {
		for j, x := range a.Data.Data[i] {
			inner := sqrt2OverPi * (x + coeff*x*x*x)
			out.Data.Data[i][j] = 0.5 * x * (1.0 + math.Tanh(inner))
		}
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i := range a.Data.Data {
				for j, x := range a.Data.Data[i] {
					inner := sqrt2OverPi * (x + coeff*x*x*x)
					tanhVal := math.Tanh(inner)
					dtanh := 1.0 - tanhVal*tanhVal
					innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*x*x)
					grad := 0.5*(1.0+tanhVal) + 0.5*x*dtanh*innerDeriv
					a.Grad.Data[i][j] += out.Grad.Data[i][j] * grad
				}
			}
		}
	}

	return out, nil
}

// Sigmoid applies the logistic function element-wise.
func Sigmoid(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	out, err := result(a.Data.Rows, a.Data.Cols, "sigmoid", a)
	if err != nil {
		return nil, err
	}
	for i := range a.Data.Data {
		for j, x := range a.Data.Data[i] {
			out.Data.Data[i][j] = 1.0 / (1.0 + math.Exp(-x))
		}
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i := range a.Data.Data {
				for j := range a.Data.Data[i] {
					s := out.Data.Data[i][j]
					a.Grad.Data[i][j] += out.Grad.Data[i][j] * s * (1.0 - s)
				}
			}
		}
	}

	return out, nil
}

// Softmax normalizes each row with the softmax function. Rows whose inputs
// are all equal (including rows fully suppressed by an additive attention
// bias) come out uniform and finite.
func Softmax(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	out, err := result(a.Data.Rows, a.Data.Cols, "softmax", a)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Data.Rows; i++ {
		max := floats.Max(a.Data.Data[i])
		sum := 0.0
		for j, v := range a.Data.Data[i] {
			e := math.Exp(v - max)
			out.Data.Data[i][j] = e
			sum += e
		}
		floats.Scale(1.0/sum, out.Data.Data[i])
	}

	if out.RequiresGrad {
		out.backward = func() {
			// Row-wise Jacobian: dx_j = s_j * (dy_j - sum_k dy_k * s_k)
			for i := 0; i < a.Data.Rows; i++ {
				dot := floats.Dot(out.Grad.Data[i], out.Data.Data[i])
				for j := range a.Grad.Data[i] {
					s := out.Data.Data[i][j]
					a.Grad.Data[i][j] += s * (out.Grad.Data[i][j] - dot)
				}
			}
		}
	}

	return out, nil
}

// ConcatCols concatenates tensors with equal row counts along the feature
// axis.
func ConcatCols(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	if len(tensors) == 1 {
		return tensors[0], nil
	}

	rows := tensors[0].Data.Rows
	cols := 0
	for _, t := range tensors {
		if t.Data.Rows != rows {
			return nil, fmt.Errorf("row count mismatch in column concat: %d vs %d", t.Data.Rows, rows)
		}
		cols += t.Data.Cols
	}

	out, err := result(rows, cols, "concat_cols", tensors...)
	if err != nil {
		return nil, err
	}
	offset := 0
	for _, t := range tensors {
		for i := 0; i < rows; i++ {
			copy(out.Data.Data[i][offset:offset+t.Data.Cols], t.Data.Data[i])
		}
		offset += t.Data.Cols
	}

	if out.RequiresGrad {
		out.backward = func() {
			off := 0
			for _, t := range tensors {
				if t.RequiresGrad {
					for i := 0; i < rows; i++ {
						floats.Add(t.Grad.Data[i], out.Grad.Data[i][off:off+t.Data.Cols])
					}
				}
				off += t.Data.Cols
			}
		}
	}

	return out, nil
}

// ConcatRows concatenates tensors with equal column counts along the time
// axis.
func ConcatRows(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	if len(tensors) == 1 {
		return tensors[0], nil
	}

	cols := tensors[0].Data.Cols
	rows := 0
	for _, t := range tensors {
		if t.Data.Cols != cols {
			return nil, fmt.Errorf("column count mismatch in row concat: %d vs %d", t.Data.Cols, cols)
		}
		rows += t.Data.Rows
	}

	out, err := result(rows, cols, "concat_rows", tensors...)
	if err != nil {
		return nil, err
	}
	offset := 0
	for _, t := range tensors {
		for i := 0; i < t.Data.Rows; i++ {
			copy(out.Data.Data[offset+i], t.Data.Data[i])
		}
		offset += t.Data.Rows
	}

	if out.RequiresGrad {
		out.backward = func() {
			off := 0
			for _, t := range tensors {
				if t.RequiresGrad {
					for i := 0; i < t.Data.Rows; i++ {
						floats.Add(t.Grad.Data[i], out.Grad.Data[off+i])
					}
				}
				off += t.Data.Rows
			}
		}
	}

	return out, nil
}

// SliceCols extracts a contiguous column range [start, start+width).
func SliceCols(a *Tensor, start, width int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if start < 0 || width <= 0 || start+width > a.Data.Cols {
		return nil, fmt.Errorf("column slice [%d:%d) out of range for %d columns", start, start+width, a.Data.Cols)
	}

	out, err := result(a.Data.Rows, width, "slice_cols", a)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Data.Rows; i++ {
		copy(out.Data.Data[i], a.Data.Data[i][start:start+width])
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i := 0; i < a.Data.Rows; i++ {
				floats.Add(a.Grad.Data[i][start:start+width], out.Grad.Data[i])
			}
		}
	}

	return out, nil
}

// SliceRows extracts a contiguous row range [start, start+count).
func SliceRows(a *Tensor, start, count int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if start < 0 || count <= 0 || start+count > a.Data.Rows {
		return nil, fmt.Errorf("row slice [%d:%d) out of range for %d rows", start, start+count, a.Data.Rows)
	}

	out, err := result(count, a.Data.Cols, "slice_rows", a)
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		copy(out.Data.Data[i], a.Data.Data[start+i])
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i := 0; i < count; i++ {
				floats.Add(a.Grad.Data[start+i], out.Grad.Data[i])
			}
		}
	}

	return out, nil
}

// ShiftRows shifts rows along the time axis by offset (positive = down),
// filling vacated rows with zeros. Used to express short 1-D convolutions
// as sums of shifted linear maps.
func ShiftRows(a *Tensor, offset int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	out, err := result(a.Data.Rows, a.Data.Cols, "shift_rows", a)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Data.Rows; i++ {
		src := i - offset
		if src >= 0 && src < a.Data.Rows {
			copy(out.Data.Data[i], a.Data.Data[src])
		}
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i := 0; i < a.Data.Rows; i++ {
				src := i - offset
				if src >= 0 && src < a.Data.Rows {
					floats.Add(a.Grad.Data[src], out.Grad.Data[i])
				}
			}
		}
	}

	return out, nil
}

// Dropout zeroes elements with probability rate and scales survivors by
// 1/(1-rate). Outside training it is the identity.
func Dropout(a *Tensor, rate float64, training bool) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if !training || rate <= 0 {
		return a, nil
	}
	if rate >= 1 {
		return nil, fmt.Errorf("dropout rate %v out of range [0,1)", rate)
	}

	out, err := result(a.Data.Rows, a.Data.Cols, "dropout", a)
	if err != nil {
		return nil, err
	}

	scale := 1.0 / (1.0 - rate)
	mask := MustNewMatrix(a.Data.Rows, a.Data.Cols)
	for i := range a.Data.Data {
		for j, v := range a.Data.Data[i] {
			if rand.Float64() > rate {
				mask.Data[i][j] = scale
				out.Data.Data[i][j] = v * scale
			}
		}
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i := range a.Grad.Data {
				for j := range a.Grad.Data[i] {
					a.Grad.Data[i][j] += out.Grad.Data[i][j] * mask.Data[i][j]
				}
			}
		}
	}

	return out, nil
}

// LayerNorm normalizes each row to zero mean and unit variance, then scales
// by gamma and shifts by beta (both (1,D)). Fused forward/backward rather
// than a chain of primitive ops.
func LayerNorm(x, gamma, beta *Tensor, eps float64) (*Tensor, error) {
	if x == nil || gamma == nil || beta == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	d := x.Data.Cols
	if gamma.Data.Rows != 1 || gamma.Data.Cols != d || beta.Data.Rows != 1 || beta.Data.Cols != d {
		return nil, fmt.Errorf("layernorm parameter shape mismatch for width %d", d)
	}

	out, err := result(x.Data.Rows, d, "layer_norm", x, gamma, beta)
	if err != nil {
		return nil, err
	}

	n := float64(d)
	xhat := MustNewMatrix(x.Data.Rows, d)
	invStd := make([]float64, x.Data.Rows)
	for i := 0; i < x.Data.Rows; i++ {
		mean := floats.Sum(x.Data.Data[i]) / n
		variance := 0.0
		for _, v := range x.Data.Data[i] {
			diff := v - mean
			variance += diff * diff
		}
		variance /= n
		invStd[i] = 1.0 / math.Sqrt(variance+eps)
		for j, v := range x.Data.Data[i] {
			xhat.Data[i][j] = (v - mean) * invStd[i]
			out.Data.Data[i][j] = xhat.Data[i][j]*gamma.Data.Data[0][j] + beta.Data.Data[0][j]
		}
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i := 0; i < x.Data.Rows; i++ {
				if gamma.RequiresGrad {
					for j := 0; j < d; j++ {
						gamma.Grad.Data[0][j] += out.Grad.Data[i][j] * xhat.Data[i][j]
					}
				}
				if beta.RequiresGrad {
					floats.Add(beta.Grad.Data[0], out.Grad.Data[i])
				}
				if x.RequiresGrad {
					// dxhat = dy * gamma;
					// dx = invStd * (dxhat - mean(dxhat) - xhat * mean(dxhat .* xhat))
					dxhat := make([]float64, d)
					for j := 0; j < d; j++ {
						dxhat[j] = out.Grad.Data[i][j] * gamma.Data.Data[0][j]
					}
					meanDxhat := floats.Sum(dxhat) / n
					meanDxhatXhat := floats.Dot(dxhat, xhat.Data[i]) / n
					for j := 0; j < d; j++ {
						x.Grad.Data[i][j] += invStd[i] * (dxhat[j] - meanDxhat - xhat.Data[i][j]*meanDxhatXhat)
					}
				}
			}
		}
	}

	return out, nil
}

// MaskedMean averages the valid rows of a (T,D) sequence into a (1,D)
// vector. The denominator is the valid count clamped to >= 1, so a fully
// padded sequence yields zeros rather than a division error. Padded rows
// contribute nothing forward and receive no gradient.
func MaskedMean(x *Tensor, mask []float64) (*Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if len(mask) != x.Data.Rows {
		return nil, fmt.Errorf("mask length %d does not match sequence length %d", len(mask), x.Data.Rows)
	}

	out, err := result(1, x.Data.Cols, "masked_mean", x)
	if err != nil {
		return nil, err
	}

	count := math.Max(floats.Sum(mask), 1.0)
	for i, m := range mask {
		if m != 0 {
			floats.AddScaled(out.Data.Data[0], 1.0/count, x.Data.Data[i])
		}
	}

	if out.RequiresGrad {
		out.backward = func() {
			for i, m := range mask {
				if m != 0 {
					floats.AddScaled(x.Grad.Data[i], 1.0/count, out.Grad.Data[0])
				}
			}
		}
	}

	return out, nil
}
