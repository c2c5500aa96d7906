package dataset

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(tSteps int, audioDim, videoDim int, label float64) Sample {
	s := Sample{Label: label}
	for t := 0; t < tSteps; t++ {
		a := make([]float64, audioDim)
		v := make([]float64, videoDim)
		for j := range a {
			a[j] = float64(t + j)
		}
		for j := range v {
			v[j] = float64(t - j)
		}
		s.Audio = append(s.Audio, a)
		s.Video = append(s.Video, v)
	}
	return s
}

func writeSplit(t *testing.T, path string, samples []Sample) {
	t.Helper()
	raw, err := cbor.Marshal(samples)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestLoadSplitRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train2.cbor")
	writeSplit(t, path, []Sample{sample(3, 4, 5, 1), sample(5, 4, 5, 0)})

	split, err := LoadSplit(path)
	require.NoError(t, err)
	assert.Len(t, split.Samples, 2)
	assert.Equal(t, 4, split.AudioDim)
	assert.Equal(t, 5, split.VideoDim)
	assert.Equal(t, 1.0, split.Samples[0].Label)
}

func TestLoadSplitRejectsMisalignedModalities(t *testing.T) {
	bad := sample(3, 4, 5, 0)
	bad.Video = bad.Video[:2]

	path := filepath.Join(t.TempDir(), "train2.cbor")
	writeSplit(t, path, []Sample{bad})

	_, err := LoadSplit(path)
	assert.Error(t, err)
}

func TestLoadSplitRejectsNonBinaryLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train2.cbor")
	writeSplit(t, path, []Sample{sample(3, 4, 5, 0.5)})

	_, err := LoadSplit(path)
	assert.Error(t, err)
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"train", "valid", "test"} {
		writeSplit(t, filepath.Join(dir, name+"2.cbor"), []Sample{sample(3, 4, 5, 1)})
	}

	train, valid, test, err := LoadAll(dir, "2")
	require.NoError(t, err)
	assert.Equal(t, 4, train.AudioDim)
	assert.Equal(t, 4, valid.AudioDim)
	assert.Equal(t, 5, test.VideoDim)
}

func TestLoadAllRejectsDisagreeingWidths(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, filepath.Join(dir, "train2.cbor"), []Sample{sample(3, 4, 5, 1)})
	writeSplit(t, filepath.Join(dir, "valid2.cbor"), []Sample{sample(3, 6, 5, 1)})
	writeSplit(t, filepath.Join(dir, "test2.cbor"), []Sample{sample(3, 4, 5, 1)})

	_, _, _, err := LoadAll(dir, "2")
	assert.Error(t, err)
}

func TestBatchesPadToBatchMax(t *testing.T) {
	split := &Split{
		Samples:  []Sample{sample(2, 3, 4, 0), sample(5, 3, 4, 1), sample(3, 3, 4, 1)},
		AudioDim: 3,
		VideoDim: 4,
	}

	batches, err := split.Batches(2, nil)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	first := batches[0]
	assert.Equal(t, 5, first.Mask.SeqLen())
	assert.Equal(t, []float64{0, 1}, first.Labels)
	require.Len(t, first.Audio, 2)
	assert.Equal(t, 5, first.Audio[0].Rows)
	assert.Equal(t, 3, first.Audio[0].Cols)
	assert.Equal(t, 4, first.Video[1].Cols)

	// Sample 1 has 2 real timesteps out of 5.
	assert.Equal(t, []float64{1, 1, 0, 0, 0}, first.Mask.Row(0))
	// Padding is zero-filled.
	assert.Equal(t, 0.0, first.Audio[0].Data[4][0])
	// Real data is copied through.
	assert.Equal(t, 1.0, first.Audio[0].Data[1][0])

	// The leftover sample forms its own batch at its own length.
	second := batches[1]
	assert.Equal(t, 3, second.Mask.SeqLen())
	assert.Equal(t, []float64{1}, second.Labels)
}

func TestBatchesShuffleKeepsAlignment(t *testing.T) {
	split := &Split{
		Samples:  []Sample{sample(2, 3, 4, 0), sample(4, 3, 4, 1), sample(3, 3, 4, 0), sample(5, 3, 4, 1)},
		AudioDim: 3,
		VideoDim: 4,
	}

	rng := rand.New(rand.NewSource(42))
	batches, err := split.Batches(2, rng)
	require.NoError(t, err)

	total := 0
	for _, b := range batches {
		require.Equal(t, len(b.Labels), len(b.Audio))
		require.Equal(t, len(b.Labels), len(b.Video))
		require.Equal(t, len(b.Labels), b.Mask.Batch())
		for i := range b.Audio {
			assert.Equal(t, b.Mask.SeqLen(), b.Audio[i].Rows)
			assert.Equal(t, b.Audio[i].Rows, b.Video[i].Rows)
		}
		total += len(b.Labels)
	}
	assert.Equal(t, 4, total)
}

func TestBatchesRejectsBadBatchSize(t *testing.T) {
	split := &Split{Samples: []Sample{sample(2, 3, 4, 0)}, AudioDim: 3, VideoDim: 4}
	_, err := split.Batches(0, nil)
	assert.Error(t, err)
}
