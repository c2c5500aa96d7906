package optim

import (
	"testing"

	"github.com/multimodal_fusion/pkg/autodiff"
)

// nopOptimizer isolates SAM's perturb/restore cycle from any base update.
type nopOptimizer struct{ steps int }

func (o *nopOptimizer) Step(map[string]*autodiff.Tensor) error {
	o.steps++
	return nil
}

func param(t *testing.T, name string, data, grad [][]float64) *autodiff.Tensor {
	t.Helper()
	p, err := autodiff.NewTensor(autodiff.MustNewMatrixFrom(data), &autodiff.TensorConfig{RequiresGrad: true, Name: name})
	if err != nil {
		t.Fatalf("creating %s: %v", name, err)
	}
	for i, row := range grad {
		copy(p.Grad.Data[i], row)
	}
	return p
}

func setGrads(params map[string]*autodiff.Tensor, grads map[string][][]float64) {
	for name, p := range params {
		for i, row := range grads[name] {
			copy(p.Grad.Data[i], row)
		}
	}
}

func TestSAMRoundTripRestoresExactly(t *testing.T) {
	grads := map[string][][]float64{
		"w": {{0.3, -0.7}, {1.1, 0.05}},
		"b": {{-0.2, 0.9}},
	}
	params := map[string]*autodiff.Tensor{
		"w": param(t, "w", [][]float64{{1.5, -2.25}, {0.125, 3.0}}, grads["w"]),
		"b": param(t, "b", [][]float64{{0.5, -0.75}}, grads["b"]),
	}
	before := map[string]*autodiff.Matrix{
		"w": params["w"].Data.Clone(),
		"b": params["b"].Data.Clone(),
	}

	base := &nopOptimizer{}
	sam, err := NewSAM(base, 0.05)
	if err != nil {
		t.Fatalf("creating sam: %v", err)
	}

	if err := sam.FirstStep(params); err != nil {
		t.Fatalf("first step failed: %v", err)
	}
	moved := false
	for name, p := range params {
		if !autodiff.Equal(p.Data, before[name], 0) {
			moved = true
		}
	}
	if !moved {
		t.Fatal("first step did not perturb any parameter")
	}

	setGrads(params, grads)
	if err := sam.SecondStep(params); err != nil {
		t.Fatalf("second step failed: %v", err)
	}
	for name, p := range params {
		if !autodiff.Equal(p.Data, before[name], 0) {
			t.Errorf("parameter %s not restored bit-identically", name)
		}
	}
	if base.steps != 1 {
		t.Errorf("base optimizer stepped %d times, expected 1", base.steps)
	}
}

func TestSAMZeroRadiusMatchesBaseStep(t *testing.T) {
	grads := map[string][][]float64{"w": {{0.3, -0.7}}}

	samParams := map[string]*autodiff.Tensor{
		"w": param(t, "w", [][]float64{{1.5, -2.25}}, grads["w"]),
	}
	plainParams := map[string]*autodiff.Tensor{
		"w": param(t, "w", [][]float64{{1.5, -2.25}}, grads["w"]),
	}

	samBase, err := NewSGD(0.1, 0.9, 0.01)
	if err != nil {
		t.Fatalf("creating sgd: %v", err)
	}
	sam, err := NewSAM(samBase, 0)
	if err != nil {
		t.Fatalf("creating sam: %v", err)
	}
	if err := sam.FirstStep(samParams); err != nil {
		t.Fatalf("first step failed: %v", err)
	}
	setGrads(samParams, grads)
	if err := sam.SecondStep(samParams); err != nil {
		t.Fatalf("second step failed: %v", err)
	}

	plain, err := NewSGD(0.1, 0.9, 0.01)
	if err != nil {
		t.Fatalf("creating sgd: %v", err)
	}
	if err := plain.Step(plainParams); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	if !autodiff.Equal(samParams["w"].Data, plainParams["w"].Data, 0) {
		t.Error("zero-radius SAM differs from the plain base update")
	}
}

func TestSAMStepOrderIsEnforced(t *testing.T) {
	params := map[string]*autodiff.Tensor{
		"w": param(t, "w", [][]float64{{1.0}}, [][]float64{{0.5}}),
	}
	sam, err := NewSAM(&nopOptimizer{}, 0.05)
	if err != nil {
		t.Fatalf("creating sam: %v", err)
	}

	if err := sam.SecondStep(params); err == nil {
		t.Fatal("second step without first step must fail")
	}
	if err := sam.FirstStep(params); err != nil {
		t.Fatalf("first step failed: %v", err)
	}
	if err := sam.FirstStep(params); err == nil {
		t.Fatal("repeated first step must fail")
	}
}

func TestSAMDetectsRestorationMismatch(t *testing.T) {
	params := map[string]*autodiff.Tensor{
		"w": param(t, "w", [][]float64{{1.0}}, [][]float64{{0.5}}),
	}
	sam, err := NewSAM(&nopOptimizer{}, 0.05)
	if err != nil {
		t.Fatalf("creating sam: %v", err)
	}
	if err := sam.FirstStep(params); err != nil {
		t.Fatalf("first step failed: %v", err)
	}

	params["extra"] = param(t, "extra", [][]float64{{2.0}}, [][]float64{{0.1}})
	if err := sam.SecondStep(params); err == nil {
		t.Fatal("restoring a parameter set that grew must fail")
	}
}

func TestNewSAMValidatesArguments(t *testing.T) {
	if _, err := NewSAM(nil, 0.05); err == nil {
		t.Fatal("expected error for nil base optimizer")
	}
	if _, err := NewSAM(&nopOptimizer{}, -0.1); err == nil {
		t.Fatal("expected error for negative radius")
	}
}
