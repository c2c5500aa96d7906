// Package metrics computes the binary classification scores reported after
// every validation pass.
package metrics

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// Report is the confusion matrix of one evaluation pass, with the derived
// scores exposed as methods.
type Report struct {
	TN int
	FP int
	FN int
	TP int
}

// Evaluate builds a report from ground-truth labels and thresholded
// predictions. Labels must be 0/1.
func Evaluate(labels []float64, preds []int) (*Report, error) {
	if len(labels) != len(preds) {
		return nil, fmt.Errorf("%d labels but %d predictions", len(labels), len(preds))
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("empty evaluation")
	}
	r := &Report{}
	for i, y := range labels {
		if y != 0 && y != 1 {
			return nil, fmt.Errorf("label %v at index %d is not binary", y, i)
		}
		if preds[i] != 0 && preds[i] != 1 {
			return nil, fmt.Errorf("prediction %d at index %d is not binary", preds[i], i)
		}
		switch {
		case y == 1 && preds[i] == 1:
			r.TP++
		case y == 1 && preds[i] == 0:
			r.FN++
		case y == 0 && preds[i] == 1:
			r.FP++
		default:
			r.TN++
		}
	}
	return r, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Accuracy is the fraction of correct predictions.
func (r *Report) Accuracy() float64 {
	return ratio(r.TP+r.TN, r.TP+r.TN+r.FP+r.FN)
}

// Precision is TP / (TP + FP), 0 when nothing was predicted positive.
func (r *Report) Precision() float64 {
	return ratio(r.TP, r.TP+r.FP)
}

// Recall is TP / (TP + FN), 0 when no positives exist.
func (r *Report) Recall() float64 {
	return ratio(r.TP, r.TP+r.FN)
}

// F1 is the harmonic mean of precision and recall.
func (r *Report) F1() float64 {
	p, rec := r.Precision(), r.Recall()
	if p+rec == 0 {
		return 0
	}
	return 2 * p * rec / (p + rec)
}

// Render writes the confusion matrix and derived scores as a table.
func (r *Report) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"", "pred 0", "pred 1", "", "score"})
	table.Append([]string{"true 0", fmt.Sprint(r.TN), fmt.Sprint(r.FP), "accuracy", fmt.Sprintf("%.5f", r.Accuracy())})
	table.Append([]string{"true 1", fmt.Sprint(r.FN), fmt.Sprint(r.TP), "precision", fmt.Sprintf("%.5f", r.Precision())})
	table.Append([]string{"", "", "", "recall", fmt.Sprintf("%.5f", r.Recall())})
	table.Append([]string{"", "", "", "f1", fmt.Sprintf("%.5f", r.F1())})
	table.Render()
}
