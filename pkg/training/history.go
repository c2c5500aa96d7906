package training

import (
	"encoding/csv"
	"fmt"
	"os"
)

// History collects the per-epoch validation rows written to train.csv at the
// end of a run. The final test evaluation is appended as one extra row.
type History struct {
	rows [][]string
}

var historyHeader = []string{
	"epoch", "val_loss", "val_f1", "val_recall", "val_precision", "val_acc",
	"val_tn", "val_fp", "val_fn", "val_tp",
}

// Append records one evaluation. epoch is the epoch index, or "test" for the
// final held-out evaluation.
func (h *History) Append(epoch string, res *EvalResult) {
	r := res.Report
	h.rows = append(h.rows, []string{
		epoch,
		fmt.Sprintf("%.5f", res.Loss),
		fmt.Sprintf("%.5f", r.F1()),
		fmt.Sprintf("%.5f", r.Recall()),
		fmt.Sprintf("%.5f", r.Precision()),
		fmt.Sprintf("%.5f", r.Accuracy()),
		fmt.Sprint(r.TN), fmt.Sprint(r.FP), fmt.Sprint(r.FN), fmt.Sprint(r.TP),
	})
}

// WriteCSV writes the accumulated rows with a header.
func (h *History) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing history: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(historyHeader); err != nil {
		f.Close()
		return fmt.Errorf("writing history: %w", err)
	}
	if err := w.WriteAll(h.rows); err != nil {
		f.Close()
		return fmt.Errorf("writing history: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("writing history: %w", err)
	}
	return f.Close()
}
