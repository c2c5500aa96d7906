package training

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/multimodal_fusion/internal/checkpoint"
	"github.com/multimodal_fusion/internal/dataset"
)

// Checkpoint file names inside a run's output directory.
const (
	CurrentCheckpoint = "cur_model.cbor"
	BestCheckpoint    = "best_val_perform.cbor"
	HistoryFile       = "train.csv"
)

// RunConfig is the orchestration surface of one training run.
type RunConfig struct {
	Net    string
	RunID  string
	Epochs int
	Batch  int
	OutDir string

	// Resume is an optional checkpoint path to initialize parameters from.
	Resume string
}

// Run executes the full loop: train and validate for the configured epochs,
// keep the best validation snapshot by F1, persist the current state every
// epoch, then re-evaluate the best parameters once on the test split. The
// returned result is that final test evaluation.
func (t *Trainer) Run(cfg RunConfig, train, valid, test *dataset.Split, rng *rand.Rand) (*EvalResult, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epoch count must be positive, got %d", cfg.Epochs)
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	params := t.Model.Parameters()
	if cfg.Resume != "" {
		ckpt, err := checkpoint.Load(cfg.Resume)
		if err != nil {
			return nil, err
		}
		if err := checkpoint.Restore(params, ckpt.Params); err != nil {
			return nil, fmt.Errorf("resuming from %s: %w", cfg.Resume, err)
		}
		t.Logger.Info("resumed", "from", cfg.Resume, "epoch", ckpt.Epoch)
	}

	validBatches, err := valid.Batches(cfg.Batch, nil)
	if err != nil {
		return nil, err
	}

	var best Best
	var history History
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		trainBatches, err := train.Batches(cfg.Batch, rng)
		if err != nil {
			return nil, err
		}
		trainLoss, err := t.TrainEpoch(trainBatches)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		res, err := t.Evaluate(validBatches)
		if err != nil {
			return nil, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}

		r := res.Report
		t.Logger.Info("epoch",
			"epoch", epoch,
			"train_loss", trainLoss,
			"val_loss", res.Loss,
			"val_f1", r.F1(),
			"val_recall", r.Recall(),
			"val_precision", r.Precision(),
			"val_acc", r.Accuracy())
		history.Append(strconv.Itoa(epoch), res)

		var improved bool
		if best, improved = best.Update(r.F1(), epoch, params); improved {
			ckpt := &checkpoint.Checkpoint{
				RunID:  cfg.RunID,
				Net:    cfg.Net,
				Epoch:  epoch,
				Metric: best.Metric,
				Params: best.Params,
			}
			if err := ckpt.Save(filepath.Join(cfg.OutDir, BestCheckpoint)); err != nil {
				return nil, err
			}
		}

		cur := &checkpoint.Checkpoint{
			RunID:  cfg.RunID,
			Net:    cfg.Net,
			Epoch:  epoch,
			Params: checkpoint.Snapshot(params),
		}
		if err := cur.Save(filepath.Join(cfg.OutDir, CurrentCheckpoint)); err != nil {
			return nil, err
		}
	}

	if err := checkpoint.Restore(params, best.Params); err != nil {
		return nil, fmt.Errorf("restoring best parameters: %w", err)
	}
	testBatches, err := test.Batches(cfg.Batch, nil)
	if err != nil {
		return nil, err
	}
	res, err := t.Evaluate(testBatches)
	if err != nil {
		return nil, fmt.Errorf("test evaluation: %w", err)
	}
	t.Logger.Info("test",
		"best_epoch", best.Epoch,
		"test_loss", res.Loss,
		"test_f1", res.Report.F1(),
		"test_recall", res.Report.Recall(),
		"test_precision", res.Report.Precision(),
		"test_acc", res.Report.Accuracy())
	history.Append("test", res)

	if err := history.WriteCSV(filepath.Join(cfg.OutDir, HistoryFile)); err != nil {
		return nil, err
	}
	return res, nil
}
