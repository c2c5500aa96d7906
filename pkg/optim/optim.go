// Package optim implements the parameter update rules: SGD with momentum,
// AdamW, and the sharpness-aware two-step wrapper around either.
package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/multimodal_fusion/pkg/autodiff"
)

// Optimizer applies one update to a named parameter set using the gradients
// accumulated on each tensor. Implementations must not assume the same map
// instance across calls, only the same names and shapes.
type Optimizer interface {
	Step(params map[string]*autodiff.Tensor) error
}

// trainable reports whether a parameter participates in updates.
func trainable(p *autodiff.Tensor) bool {
	return p != nil && p.RequiresGrad && p.Grad != nil
}

// GradNorm returns the global L2 norm of all gradients in the set.
func GradNorm(params map[string]*autodiff.Tensor) float64 {
	sum := 0.0
	for _, p := range params {
		if !trainable(p) {
			continue
		}
		for _, row := range p.Grad.Data {
			sum += floats.Dot(row, row)
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales all gradients in place so their global L2 norm does
// not exceed maxNorm, and returns the norm before clipping. maxNorm <= 0
// disables clipping.
func ClipGradNorm(params map[string]*autodiff.Tensor, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range params {
		if !trainable(p) {
			continue
		}
		for _, row := range p.Grad.Data {
			floats.Scale(scale, row)
		}
	}
	return norm
}

// ZeroGrads clears the gradient buffers of every trainable parameter.
func ZeroGrads(params map[string]*autodiff.Tensor) {
	for _, p := range params {
		if trainable(p) {
			p.ZeroGrad()
		}
	}
}
