package optim

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/multimodal_fusion/pkg/autodiff"
)

// SGD is stochastic gradient descent with classical momentum and coupled
// weight decay (decay added to the gradient before the momentum update).
type SGD struct {
	LR          float64
	Momentum    float64
	WeightDecay float64

	velocity map[string]*autodiff.Matrix
}

// NewSGD creates the optimizer.
func NewSGD(lr, momentum, weightDecay float64) (*SGD, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", lr)
	}
	if momentum < 0 || momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0,1), got %v", momentum)
	}
	return &SGD{
		LR:          lr,
		Momentum:    momentum,
		WeightDecay: weightDecay,
		velocity:    make(map[string]*autodiff.Matrix),
	}, nil
}

// Step applies one momentum update to every trainable parameter.
func (o *SGD) Step(params map[string]*autodiff.Tensor) error {
	for name, p := range params {
		if !trainable(p) {
			continue
		}
		v, ok := o.velocity[name]
		if !ok {
			m, err := autodiff.NewMatrix(p.Data.Rows, p.Data.Cols)
			if err != nil {
				return fmt.Errorf("sgd state for %s: %w", name, err)
			}
			v = m
			o.velocity[name] = v
		}
		if v.Rows != p.Data.Rows || v.Cols != p.Data.Cols {
			return fmt.Errorf("sgd state for %s has shape %dx%d, parameter is %dx%d",
				name, v.Rows, v.Cols, p.Data.Rows, p.Data.Cols)
		}
		for i, row := range p.Data.Data {
			for j := range row {
				g := p.Grad.Data[i][j] + o.WeightDecay*row[j]
				v.Data[i][j] = o.Momentum*v.Data[i][j] + g
			}
			floats.AddScaled(row, -o.LR, v.Data[i])
		}
	}
	return nil
}
