package autodiff

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Matrix represents a 2D matrix of float64 values. Sequences are stored
// time-major: row = timestep, column = feature.
type Matrix struct {
	Rows int
	Cols int
	Data [][]float64
}

// NewMatrix creates a zero matrix with the specified dimensions.
func NewMatrix(rows, cols int) (*Matrix, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid matrix dimensions: rows=%d, cols=%d (must be positive)", rows, cols)
	}

	data := make([][]float64, rows)
	for i := range data {
		data[i] = make([]float64, cols)
	}

	return &Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

// MustNewMatrix creates a zero matrix and panics on invalid dimensions.
func MustNewMatrix(rows, cols int) *Matrix {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMatrixFrom creates a matrix backed by a copy of the given rows.
func NewMatrixFrom(data [][]float64) (*Matrix, error) {
	if len(data) == 0 || len(data[0]) == 0 {
		return nil, fmt.Errorf("cannot build matrix from empty data")
	}

	cols := len(data[0])
	m, err := NewMatrix(len(data), cols)
	if err != nil {
		return nil, err
	}
	for i, row := range data {
		if len(row) != cols {
			return nil, fmt.Errorf("ragged input: row %d has %d columns, expected %d", i, len(row), cols)
		}
		copy(m.Data[i], row)
	}

	return m, nil
}

// MustNewMatrixFrom creates a matrix from rows and panics on invalid input.
func MustNewMatrixFrom(data [][]float64) *Matrix {
	m, err := NewMatrixFrom(data)
	if err != nil {
		panic(err)
	}
	return m
}

// NewRandomMatrix creates a matrix with uniform values in [-0.1, 0.1).
func NewRandomMatrix(rows, cols int) (*Matrix, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Data[i][j] = rand.Float64()*0.2 - 0.1
		}
	}

	return m, nil
}

// NewNormalMatrix creates a matrix with N(0, std^2) values.
func NewNormalMatrix(rows, cols int, std float64) (*Matrix, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Data[i][j] = rand.NormFloat64() * std
		}
	}

	return m, nil
}

// Clone creates a deep copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	clone := MustNewMatrix(m.Rows, m.Cols)
	for i := range m.Data {
		copy(clone.Data[i], m.Data[i])
	}
	return clone
}

// Zero resets every element in place.
func (m *Matrix) Zero() {
	for i := range m.Data {
		for j := range m.Data[i] {
			m.Data[i][j] = 0
		}
	}
}

// Equal reports whether two matrices have the same shape and elements
// within epsilon.
func Equal(a, b *Matrix, epsilon float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return false
	}
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			if math.Abs(a.Data[i][j]-b.Data[i][j]) > epsilon {
				return false
			}
		}
	}
	return true
}

// matmul computes a*b into a fresh matrix. Dimensions must already agree.
func matmul(a, b *Matrix) *Matrix {
	out := MustNewMatrix(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		for k := 0; k < a.Cols; k++ {
			if aik := a.Data[i][k]; aik != 0 {
				floats.AddScaled(out.Data[i], aik, b.Data[k])
			}
		}
	}
	return out
}

// String renders the matrix for debugging.
func (m *Matrix) String() string {
	if m == nil {
		return "nil"
	}
	s := fmt.Sprintf("Matrix(%dx%d):\n", m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		s += "["
		for j := 0; j < m.Cols; j++ {
			if j > 0 {
				s += ", "
			}
			s += fmt.Sprintf("%.4f", m.Data[i][j])
		}
		s += "]\n"
	}
	return s
}
