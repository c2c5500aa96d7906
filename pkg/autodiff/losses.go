package autodiff

import (
	"fmt"
	"math"
)

const probEps = 1e-7

// BCELoss computes binary cross-entropy over a (B,1) column of
// probabilities. Probabilities are clamped away from {0,1} so the loss and
// its gradient stay finite.
func BCELoss(pred *Tensor, labels []float64) (*Tensor, error) {
	if pred == nil {
		return nil, fmt.Errorf("predictions tensor cannot be nil")
	}
	if pred.Data.Cols != 1 {
		return nil, fmt.Errorf("BCE expects a (B,1) probability column, got %dx%d", pred.Data.Rows, pred.Data.Cols)
	}
	if len(labels) != pred.Data.Rows {
		return nil, fmt.Errorf("number of labels (%d) doesn't match batch size (%d)", len(labels), pred.Data.Rows)
	}

	out, err := result(1, 1, "bce_loss", pred)
	if err != nil {
		return nil, err
	}

	batch := float64(pred.Data.Rows)
	loss := 0.0
	for i, y := range labels {
		p := clampProb(pred.Data.Data[i][0])
		loss += -(y*math.Log(p) + (1.0-y)*math.Log(1.0-p))
	}
	out.Data.Data[0][0] = loss / batch

	if out.RequiresGrad {
		out.backward = func() {
			seed := out.Grad.Data[0][0]
			for i, y := range labels {
				p := clampProb(pred.Data.Data[i][0])
				pred.Grad.Data[i][0] += seed * (p - y) / (p * (1.0 - p) * batch)
			}
		}
	}

	return out, nil
}

// CrossEntropyLoss computes mean categorical cross-entropy from raw (B,C)
// logits against integer class targets.
func CrossEntropyLoss(logits *Tensor, targets []int) (*Tensor, error) {
	if logits == nil {
		return nil, fmt.Errorf("logits tensor cannot be nil")
	}
	if len(targets) != logits.Data.Rows {
		return nil, fmt.Errorf("number of targets (%d) doesn't match batch size (%d)", len(targets), logits.Data.Rows)
	}
	for i, t := range targets {
		if t < 0 || t >= logits.Data.Cols {
			return nil, fmt.Errorf("target %d out of range [0,%d) at row %d", t, logits.Data.Cols, i)
		}
	}

	out, err := result(1, 1, "cross_entropy_loss", logits)
	if err != nil {
		return nil, err
	}

	batch := float64(logits.Data.Rows)
	loss := 0.0
	for i, target := range targets {
		row := logits.Data.Data[i]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(v - max)
		}
		loss += math.Log(sum) + max - row[target]
	}
	out.Data.Data[0][0] = loss / batch

	if out.RequiresGrad {
		out.backward = func() {
			seed := out.Grad.Data[0][0]
			for i, target := range targets {
				row := logits.Data.Data[i]
				max := row[0]
				for _, v := range row[1:] {
					if v > max {
						max = v
					}
				}
				sum := 0.0
				softmax := make([]float64, len(row))
				for j, v := range row {
					softmax[j] = math.Exp(v - max)
					sum += softmax[j]
				}
				for j := range row {
					grad := softmax[j] / sum
					if j == target {
						grad -= 1.0
					}
					logits.Grad.Data[i][j] += seed * grad / batch
				}
			}
		}
	}

	return out, nil
}

func clampProb(p float64) float64 {
	if p < probEps {
		return probEps
	}
	if p > 1.0-probEps {
		return 1.0 - probEps
	}
	return p
}
