package autodiff

import "fmt"

// Tensor is a matrix with reverse-mode gradient tracking. Ops build a tape:
// each result records the inputs it depends on and a closure that scatters
// the result's gradient back into them.
type Tensor struct {
	Data         *Matrix
	Grad         *Matrix
	RequiresGrad bool
	Name         string

	backward func()
	children []*Tensor
}

// TensorConfig holds construction options for a tensor.
type TensorConfig struct {
	RequiresGrad bool
	Name         string
}

// NewTensor creates a tensor wrapping the given matrix. A gradient matrix is
// allocated when the tensor requires gradients.
func NewTensor(data *Matrix, config *TensorConfig) (*Tensor, error) {
	if data == nil {
		return nil, fmt.Errorf("data matrix cannot be nil")
	}
	if config == nil {
		config = &TensorConfig{}
	}

	var grad *Matrix
	if config.RequiresGrad {
		var err error
		grad, err = NewMatrix(data.Rows, data.Cols)
		if err != nil {
			return nil, fmt.Errorf("failed to create gradient matrix: %w", err)
		}
	}

	return &Tensor{
		Data:         data,
		Grad:         grad,
		RequiresGrad: config.RequiresGrad,
		Name:         config.Name,
	}, nil
}

// NewZerosTensor creates a tensor filled with zeros.
func NewZerosTensor(rows, cols int, config *TensorConfig) (*Tensor, error) {
	data, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	return NewTensor(data, config)
}

// NewRandomTensor creates a tensor with uniform values in [-0.1, 0.1).
func NewRandomTensor(rows, cols int, config *TensorConfig) (*Tensor, error) {
	data, err := NewRandomMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	return NewTensor(data, config)
}

// NewNormalTensor creates a tensor with N(0, std^2) values.
func NewNormalTensor(rows, cols int, std float64, config *TensorConfig) (*Tensor, error) {
	data, err := NewNormalMatrix(rows, cols, std)
	if err != nil {
		return nil, err
	}
	return NewTensor(data, config)
}

// Constant wraps a matrix as a non-differentiable tensor.
func Constant(data *Matrix, name string) *Tensor {
	return &Tensor{Data: data, Name: name}
}

// Shape returns (rows, cols).
func (t *Tensor) Shape() (int, int) {
	return t.Data.Rows, t.Data.Cols
}

// ZeroGrad resets the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Zero()
	}
}

// Backward runs reverse-mode differentiation from t. The tensor must be a
// scalar (its gradient is seeded to 1) or have a pre-seeded gradient. Each
// op's backward closure owns the accumulation into its inputs; this driver
// only orders the tape.
func (t *Tensor) Backward() error {
	if !t.RequiresGrad || t.Grad == nil {
		return fmt.Errorf("tensor %q does not track gradients", t.Name)
	}
	if t.Data.Rows == 1 && t.Data.Cols == 1 {
		t.Grad.Data[0][0] = 1.0
	}

	visited := make(map[*Tensor]bool)
	var topo []*Tensor

	var build func(node *Tensor)
	build = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		for _, child := range node.children {
			build(child)
		}
		topo = append(topo, node)
	}
	build(t)

	for i := len(topo) - 1; i >= 0; i-- {
		if topo[i].backward != nil {
			topo[i].backward()
		}
	}
	return nil
}

// Clone creates a deep copy of data and gradient. The tape is not copied.
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{
		Data:         t.Data.Clone(),
		RequiresGrad: t.RequiresGrad,
		Name:         t.Name,
	}
	if t.Grad != nil {
		clone.Grad = t.Grad.Clone()
	}
	return clone
}

// result builds the output tensor for an op over the given inputs, wiring
// the tape edges to inputs that participate in differentiation.
func result(rows, cols int, name string, inputs ...*Tensor) (*Tensor, error) {
	requires := false
	for _, in := range inputs {
		if in.RequiresGrad {
			requires = true
			break
		}
	}
	out, err := NewZerosTensor(rows, cols, &TensorConfig{RequiresGrad: requires, Name: name})
	if err != nil {
		return nil, err
	}
	if requires {
		for _, in := range inputs {
			if in.RequiresGrad {
				out.children = append(out.children, in)
			}
		}
	}
	return out, nil
}
