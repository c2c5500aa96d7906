// Package masking holds the validity-mask primitives shared by every
// attention and pooling stage. A validity mask marks real timesteps with 1
// and padding with 0; both modalities of a sample share one mask row.
package masking

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/multimodal_fusion/pkg/autodiff"
)

// Bias added to attention scores at suppressed key positions. Large enough
// that the post-softmax weight underflows to exactly zero whenever at least
// one valid key exists in the row.
const attentionBias = -1e9

// Mask is a (batch, time) validity mask.
type Mask struct {
	rows [][]float64
}

// New validates and wraps per-sample validity rows. Every row must have the
// padded batch length and contain only 0/1 entries.
func New(rows [][]float64) (*Mask, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("empty mask")
	}
	seqLen := len(rows[0])
	for i, row := range rows {
		if len(row) != seqLen {
			return nil, fmt.Errorf("mask row %d has length %d, expected %d", i, len(row), seqLen)
		}
		for t, v := range row {
			if v != 0 && v != 1 {
				return nil, fmt.Errorf("mask row %d has non-binary value %v at position %d", i, v, t)
			}
		}
	}
	return &Mask{rows: rows}, nil
}

// FromLengths builds a mask where sample i is valid for lengths[i]
// timesteps out of seqLen.
func FromLengths(lengths []int, seqLen int) (*Mask, error) {
	if len(lengths) == 0 || seqLen <= 0 {
		return nil, fmt.Errorf("empty mask")
	}
	rows := make([][]float64, len(lengths))
	for i, n := range lengths {
		if n < 0 || n > seqLen {
			return nil, fmt.Errorf("valid length %d out of range [0,%d] for sample %d", n, seqLen, i)
		}
		rows[i] = make([]float64, seqLen)
		for t := 0; t < n; t++ {
			rows[i][t] = 1
		}
	}
	return &Mask{rows: rows}, nil
}

// Batch returns the number of samples.
func (m *Mask) Batch() int { return len(m.rows) }

// SeqLen returns the padded sequence length.
func (m *Mask) SeqLen() int { return len(m.rows[0]) }

// Row returns the validity row for one sample. Callers must not mutate it.
func (m *Mask) Row(i int) []float64 { return m.rows[i] }

// ValidCount returns the number of valid positions in a row, clamped to
// >= 1 so masked averages never divide by zero.
func ValidCount(row []float64) float64 {
	return math.Max(floats.Sum(row), 1.0)
}

// MaskedSum sums the valid rows of a (T,D) matrix into a length-D vector.
func MaskedSum(x *autodiff.Matrix, row []float64) ([]float64, error) {
	if len(row) != x.Rows {
		return nil, fmt.Errorf("mask length %d does not match sequence length %d", len(row), x.Rows)
	}
	sum := make([]float64, x.Cols)
	for t, v := range row {
		if v != 0 {
			floats.Add(sum, x.Data[t])
		}
	}
	return sum, nil
}

// MaskedAverage divides the masked sum by the clamped valid count.
func MaskedAverage(x *autodiff.Matrix, row []float64) ([]float64, error) {
	sum, err := MaskedSum(x, row)
	if err != nil {
		return nil, err
	}
	floats.Scale(1.0/ValidCount(row), sum)
	return sum, nil
}

// AttentionBias derives the additive (queryLen, keyLen) score bias from a
// key validity row: 0 at valid keys, a large negative value at padding. If
// no key is valid the row is left unbiased, which degenerates to uniform
// attention; with shared masks this only happens for queries that are
// themselves padding and whose outputs every downstream consumer discards.
func AttentionBias(queryLen int, key []float64) (*autodiff.Matrix, error) {
	if queryLen <= 0 || len(key) == 0 {
		return nil, fmt.Errorf("empty attention bias")
	}
	bias, err := autodiff.NewMatrix(queryLen, len(key))
	if err != nil {
		return nil, err
	}
	if floats.Sum(key) == 0 {
		return bias, nil
	}
	for i := 0; i < queryLen; i++ {
		for j, v := range key {
			if v == 0 {
				bias.Data[i][j] = attentionBias
			}
		}
	}
	return bias, nil
}

// KeyPadding returns the inverted view of a validity row (1 = padding), the
// format the stacked-encoder layers consume.
func KeyPadding(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = 1 - v
	}
	return out
}

// Validity inverts a key-padding row back to a validity row.
func Validity(padRow []float64) []float64 {
	return KeyPadding(padRow)
}

// PrependValid returns a copy of row with an always-valid anchor entry at
// position 0, matching a classification token prepended to the sequence.
func PrependValid(row []float64) []float64 {
	out := make([]float64, len(row)+1)
	out[0] = 1
	copy(out[1:], row)
	return out
}
