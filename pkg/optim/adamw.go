package optim

import (
	"fmt"
	"math"

	"github.com/multimodal_fusion/pkg/autodiff"
)

// AdamW is Adam with decoupled weight decay: the decay shrinks parameters
// directly instead of flowing through the moment estimates.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step int
	m    map[string]*autodiff.Matrix
	v    map[string]*autodiff.Matrix
}

// NewAdamW creates the optimizer with the usual (0.9, 0.999) betas.
func NewAdamW(lr, weightDecay float64) (*AdamW, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", lr)
	}
	return &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           make(map[string]*autodiff.Matrix),
		v:           make(map[string]*autodiff.Matrix),
	}, nil
}

func (o *AdamW) state(name string, rows, cols int) (*autodiff.Matrix, *autodiff.Matrix, error) {
	m, ok := o.m[name]
	if !ok {
		var err error
		if m, err = autodiff.NewMatrix(rows, cols); err != nil {
			return nil, nil, err
		}
		o.m[name] = m
		v, err := autodiff.NewMatrix(rows, cols)
		if err != nil {
			return nil, nil, err
		}
		o.v[name] = v
	}
	v := o.v[name]
	if m.Rows != rows || m.Cols != cols {
		return nil, nil, fmt.Errorf("state has shape %dx%d, parameter is %dx%d", m.Rows, m.Cols, rows, cols)
	}
	return m, v, nil
}

// Step applies one bias-corrected Adam update to every trainable parameter.
func (o *AdamW) Step(params map[string]*autodiff.Tensor) error {
	o.step++
	c1 := 1.0 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1.0 - math.Pow(o.Beta2, float64(o.step))

	for name, p := range params {
		if !trainable(p) {
			continue
		}
		m, v, err := o.state(name, p.Data.Rows, p.Data.Cols)
		if err != nil {
			return fmt.Errorf("adamw state for %s: %w", name, err)
		}
		for i, row := range p.Data.Data {
			for j := range row {
				g := p.Grad.Data[i][j]
				m.Data[i][j] = o.Beta1*m.Data[i][j] + (1.0-o.Beta1)*g
				v.Data[i][j] = o.Beta2*v.Data[i][j] + (1.0-o.Beta2)*g*g
				mHat := m.Data[i][j] / c1
				vHat := v.Data[i][j] / c2
				row[j] -= o.LR * (mHat/(math.Sqrt(vHat)+o.Eps) + o.WeightDecay*row[j])
			}
		}
	}
	return nil
}
