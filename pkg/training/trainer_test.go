package training

import (
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multimodal_fusion/internal/checkpoint"
	"github.com/multimodal_fusion/internal/dataset"
	"github.com/multimodal_fusion/pkg/autodiff"
	"github.com/multimodal_fusion/pkg/fusion"
	"github.com/multimodal_fusion/pkg/optim"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tinySplit builds a 4-sample synthetic split with labels [0,1,0,1] where
// the label is linearly readable from the features.
func tinySplit(t *testing.T, audioDim, videoDim int) *dataset.Split {
	t.Helper()
	rng := rand.New(rand.NewSource(21))
	split := &dataset.Split{AudioDim: audioDim, VideoDim: videoDim}
	labels := []float64{0, 1, 0, 1}
	lengths := []int{3, 2, 3, 4}
	for s, label := range labels {
		sample := dataset.Sample{Label: label}
		offset := 2*label - 1
		for tstep := 0; tstep < lengths[s]; tstep++ {
			a := make([]float64, audioDim)
			v := make([]float64, videoDim)
			for j := range a {
				a[j] = offset + 0.1*rng.NormFloat64()
			}
			for j := range v {
				v[j] = offset + 0.1*rng.NormFloat64()
			}
			sample.Audio = append(sample.Audio, a)
			sample.Video = append(sample.Video, v)
		}
		split.Samples = append(split.Samples, sample)
	}
	return split
}

func newTrainer(t *testing.T, net string) *Trainer {
	t.Helper()
	model, err := fusion.New(net, fusion.Config{AudioDim: 3, VideoDim: 4, FusedDim: 8, Bitmask: 7})
	require.NoError(t, err)
	opt, err := optim.NewAdamW(0.01, 0)
	require.NoError(t, err)
	return &Trainer{Model: model, Opt: opt, Logger: discardLogger()}
}

func TestTrainEpochUpdatesParameters(t *testing.T) {
	split := tinySplit(t, 3, 4)
	batches, err := split.Batches(2, nil)
	require.NoError(t, err)

	trainer := newTrainer(t, fusion.NetMeanPool)
	params := trainer.Model.Parameters()
	before := checkpoint.Snapshot(params)

	loss, err := trainer.TrainEpoch(batches)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.Greater(t, loss, 0.0)

	changed := false
	for name, p := range params {
		for i, row := range p.Data.Data {
			for j := range row {
				if row[j] != before[name][i][j] {
					changed = true
				}
			}
		}
	}
	assert.True(t, changed, "an epoch of training left every parameter untouched")
}

func TestTrainEpochWithSAM(t *testing.T) {
	split := tinySplit(t, 3, 4)
	batches, err := split.Batches(2, nil)
	require.NoError(t, err)

	trainer := newTrainer(t, fusion.NetMeanPool)
	trainer.Opt = nil
	base, err := optim.NewSGD(0.01, 0.9, 0)
	require.NoError(t, err)
	trainer.SAM, err = optim.NewSAM(base, 0.05)
	require.NoError(t, err)

	loss, err := trainer.TrainEpoch(batches)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
}

func TestTrainEpochCategoricalPath(t *testing.T) {
	split := tinySplit(t, 3, 4)
	batches, err := split.Batches(2, nil)
	require.NoError(t, err)

	trainer := newTrainer(t, fusion.NetAblation)
	require.Equal(t, 2, trainer.Model.Outputs())

	loss, err := trainer.TrainEpoch(batches)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
}

func TestEvaluateAlignsPredictionsWithLabels(t *testing.T) {
	split := tinySplit(t, 3, 4)
	batches, err := split.Batches(3, nil)
	require.NoError(t, err)

	trainer := newTrainer(t, fusion.NetMeanPool)
	res, err := trainer.Evaluate(batches)
	require.NoError(t, err)

	r := res.Report
	assert.Equal(t, 4, r.TP+r.TN+r.FP+r.FN)
	assert.Equal(t, 2, r.TP+r.FN, "two positive labels must be counted")
	assert.False(t, math.IsNaN(res.Loss))
}

func TestRunSelectsOnlyEpochAsBest(t *testing.T) {
	split := tinySplit(t, 3, 4)
	trainer := newTrainer(t, fusion.NetMeanPool)
	outDir := t.TempDir()

	res, err := trainer.Run(RunConfig{
		Net:    fusion.NetMeanPool,
		RunID:  "test-run",
		Epochs: 1,
		Batch:  2,
		OutDir: outDir,
	}, split, split, split, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	require.NotNil(t, res)

	best, err := checkpoint.Load(filepath.Join(outDir, BestCheckpoint))
	require.NoError(t, err)
	assert.Equal(t, 0, best.Epoch, "the only epoch must be selected as best")
	assert.Equal(t, "test-run", best.RunID)

	cur, err := checkpoint.Load(filepath.Join(outDir, CurrentCheckpoint))
	require.NoError(t, err)
	assert.Equal(t, 0, cur.Epoch)

	history, err := os.ReadFile(filepath.Join(outDir, HistoryFile))
	require.NoError(t, err)
	assert.Contains(t, string(history), "val_f1")
	assert.Contains(t, string(history), "test")
}

func TestRunResumeRestoresParameters(t *testing.T) {
	split := tinySplit(t, 3, 4)
	trainer := newTrainer(t, fusion.NetMeanPool)
	outDir := t.TempDir()

	_, err := trainer.Run(RunConfig{
		Net:    fusion.NetMeanPool,
		RunID:  "first",
		Epochs: 1,
		Batch:  2,
		OutDir: outDir,
	}, split, split, split, rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	resumed := newTrainer(t, fusion.NetMeanPool)
	_, err = resumed.Run(RunConfig{
		Net:    fusion.NetMeanPool,
		RunID:  "second",
		Epochs: 1,
		Batch:  2,
		OutDir: t.TempDir(),
		Resume: filepath.Join(outDir, CurrentCheckpoint),
	}, split, split, split, rand.New(rand.NewSource(10)))
	require.NoError(t, err)
}

func TestBestUpdate(t *testing.T) {
	params := map[string]*autodiff.Tensor{}
	w, err := autodiff.NewTensor(autodiff.MustNewMatrixFrom([][]float64{{1.0}}), &autodiff.TensorConfig{Name: "w"})
	require.NoError(t, err)
	params["w"] = w

	var best Best
	best, improved := best.Update(0.5, 0, params)
	assert.True(t, improved)
	assert.Equal(t, 0.5, best.Metric)
	assert.Equal(t, 0, best.Epoch)

	// Ties favor the newer model.
	w.Data.Data[0][0] = 2.0
	best, improved = best.Update(0.5, 1, params)
	assert.True(t, improved)
	assert.Equal(t, 1, best.Epoch)
	assert.Equal(t, 2.0, best.Params["w"][0][0])

	// A worse metric keeps the old snapshot and counts the stall.
	best, improved = best.Update(0.4, 2, params)
	assert.False(t, improved)
	assert.Equal(t, 1, best.Epoch)
	assert.Equal(t, 1, best.Stall)
}

func TestBestNeverImprovingKeepsFirstSnapshot(t *testing.T) {
	params := map[string]*autodiff.Tensor{}
	w, err := autodiff.NewTensor(autodiff.MustNewMatrixFrom([][]float64{{1.0}}), &autodiff.TensorConfig{Name: "w"})
	require.NoError(t, err)
	params["w"] = w

	var best Best
	best, improved := best.Update(0.0, 0, params)
	assert.True(t, improved, "the first epoch must define the best model even at metric 0")
	assert.NotNil(t, best.Params)
}

func TestAverageMeter(t *testing.T) {
	var m AverageMeter
	assert.Equal(t, 0.0, m.Avg())

	m.Update(2.0, 3)
	m.Update(4.0, 1)
	assert.InDelta(t, 2.5, m.Avg(), 1e-12)
}
