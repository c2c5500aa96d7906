package optim

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/multimodal_fusion/pkg/autodiff"
)

const samNormEps = 1e-12

// SAM wraps a base optimizer with sharpness-aware minimization. Each batch
// takes two ordered calls: FirstStep perturbs parameters toward the local
// loss ascent direction after the first backward pass, SecondStep restores
// the pre-ascent values after the second backward pass and lets the base
// optimizer update from the gradients measured at the perturbed point.
type SAM struct {
	Base Optimizer
	Rho  float64

	// snapshot holds the pre-ascent value of every perturbed parameter,
	// keyed by name. Restoring from the snapshot instead of subtracting the
	// perturbation keeps the round trip bit-identical. Non-nil only between
	// the two steps.
	snapshot map[string]*autodiff.Matrix
}

// NewSAM wraps base with ascent radius rho. rho = 0 degenerates to the base
// optimizer with an extra forward/backward pass.
func NewSAM(base Optimizer, rho float64) (*SAM, error) {
	if base == nil {
		return nil, fmt.Errorf("sam requires a base optimizer")
	}
	if rho < 0 {
		return nil, fmt.Errorf("ascent radius must be non-negative, got %v", rho)
	}
	return &SAM{Base: base, Rho: rho}, nil
}

// FirstStep snapshots every trainable parameter and moves it along its
// gradient, scaled so the joint perturbation has L2 norm rho. Gradients are
// cleared afterwards so the second backward pass starts fresh.
func (s *SAM) FirstStep(params map[string]*autodiff.Tensor) error {
	if s.snapshot != nil {
		return fmt.Errorf("sam first step called twice without an intervening second step")
	}

	scale := s.Rho / (GradNorm(params) + samNormEps)
	s.snapshot = make(map[string]*autodiff.Matrix, len(params))
	for name, p := range params {
		if !trainable(p) {
			continue
		}
		s.snapshot[name] = p.Data.Clone()
		for i, row := range p.Grad.Data {
			floats.AddScaled(p.Data.Data[i], scale, row)
		}
	}

	ZeroGrads(params)
	return nil
}

// SecondStep restores the snapshotted values and applies the base update.
// The restoration set must match the perturbation set exactly; any mismatch
// means parameters would silently drift, so it is fatal.
func (s *SAM) SecondStep(params map[string]*autodiff.Tensor) error {
	if s.snapshot == nil {
		return fmt.Errorf("sam second step called without a first step")
	}

	count := 0
	for name, p := range params {
		if !trainable(p) {
			continue
		}
		count++
		saved, ok := s.snapshot[name]
		if !ok {
			return fmt.Errorf("sam restoration: parameter %s was not perturbed", name)
		}
		if saved.Rows != p.Data.Rows || saved.Cols != p.Data.Cols {
			return fmt.Errorf("sam restoration: parameter %s is %dx%d, snapshot is %dx%d",
				name, p.Data.Rows, p.Data.Cols, saved.Rows, saved.Cols)
		}
		for i, row := range saved.Data {
			copy(p.Data.Data[i], row)
		}
	}
	if count != len(s.snapshot) {
		return fmt.Errorf("sam restoration: %d parameters perturbed but %d restored", len(s.snapshot), count)
	}
	s.snapshot = nil

	return s.Base.Step(params)
}
