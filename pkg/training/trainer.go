// Package training drives the epoch loop: batch iteration, loss
// computation, plain and sharpness-aware optimizer stepping, validation and
// best-model bookkeeping.
package training

import (
	"fmt"
	"log/slog"

	"github.com/multimodal_fusion/internal/dataset"
	"github.com/multimodal_fusion/pkg/autodiff"
	"github.com/multimodal_fusion/pkg/fusion"
	"github.com/multimodal_fusion/pkg/metrics"
	"github.com/multimodal_fusion/pkg/optim"
)

const threshold = 0.5

// Trainer runs training and evaluation epochs for one model. When SAM is
// set it takes precedence over Opt and every batch performs the two-pass
// update; otherwise Opt applies a single step per batch.
type Trainer struct {
	Model fusion.Model
	Opt   optim.Optimizer
	SAM   *optim.SAM

	// Clip is the max global gradient norm, <= 0 disables clipping.
	Clip   float64
	Logger *slog.Logger
}

// loss picks the criterion matching the model's output arity.
func (t *Trainer) loss(pred *autodiff.Tensor, labels []float64) (*autodiff.Tensor, error) {
	if t.Model.Outputs() == 1 {
		return autodiff.BCELoss(pred, labels)
	}
	targets := make([]int, len(labels))
	for i, y := range labels {
		targets[i] = int(y)
	}
	return autodiff.CrossEntropyLoss(pred, targets)
}

func (t *Trainer) backprop(b *dataset.Batch, params map[string]*autodiff.Tensor) (float64, error) {
	optim.ZeroGrads(params)
	pred, err := t.Model.Forward(b.Audio, b.Video, b.Mask, true)
	if err != nil {
		return 0, err
	}
	loss, err := t.loss(pred, b.Labels)
	if err != nil {
		return 0, err
	}
	if err := loss.Backward(); err != nil {
		return 0, err
	}
	optim.ClipGradNorm(params, t.Clip)
	return loss.Data.Data[0][0], nil
}

// TrainEpoch runs one pass over the batches and returns the weighted
// average training loss.
func (t *Trainer) TrainEpoch(batches []*dataset.Batch) (float64, error) {
	if len(batches) == 0 {
		return 0, fmt.Errorf("no training batches")
	}
	params := t.Model.Parameters()
	var losses AverageMeter
	for i, b := range batches {
		loss, err := t.backprop(b, params)
		if err != nil {
			return 0, fmt.Errorf("batch %d: %w", i, err)
		}

		if t.SAM != nil {
			if err := t.SAM.FirstStep(params); err != nil {
				return 0, fmt.Errorf("batch %d: %w", i, err)
			}
			if _, err := t.backprop(b, params); err != nil {
				return 0, fmt.Errorf("batch %d: %w", i, err)
			}
			if err := t.SAM.SecondStep(params); err != nil {
				return 0, fmt.Errorf("batch %d: %w", i, err)
			}
		} else if err := t.Opt.Step(params); err != nil {
			return 0, fmt.Errorf("batch %d: %w", i, err)
		}

		losses.Update(loss, len(b.Labels))
	}
	return losses.Avg(), nil
}

// EvalResult is one evaluation pass over a split.
type EvalResult struct {
	Loss   float64
	Report *metrics.Report
}

// Evaluate runs the model over the batches without training-mode dropout,
// accumulating predictions in batch order so they stay aligned with labels.
func (t *Trainer) Evaluate(batches []*dataset.Batch) (*EvalResult, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("no evaluation batches")
	}
	var losses AverageMeter
	var labels []float64
	var preds []int
	for i, b := range batches {
		pred, err := t.Model.Forward(b.Audio, b.Video, b.Mask, false)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		loss, err := t.loss(pred, b.Labels)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		losses.Update(loss.Data.Data[0][0], len(b.Labels))

		for row := range b.Labels {
			preds = append(preds, t.predict(pred, row))
		}
		labels = append(labels, b.Labels...)
	}

	report, err := metrics.Evaluate(labels, preds)
	if err != nil {
		return nil, err
	}
	return &EvalResult{Loss: losses.Avg(), Report: report}, nil
}

// predict thresholds a probability output or takes the argmax of a 2-way
// logit row.
func (t *Trainer) predict(pred *autodiff.Tensor, row int) int {
	if t.Model.Outputs() == 1 {
		if pred.Data.Data[row][0] >= threshold {
			return 1
		}
		return 0
	}
	if pred.Data.Data[row][1] > pred.Data.Data[row][0] {
		return 1
	}
	return 0
}
