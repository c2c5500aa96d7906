// Package dataset loads the precomputed per-recording feature splits and
// collates them into padded, masked batches.
package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"

	"github.com/multimodal_fusion/internal/masking"
	"github.com/multimodal_fusion/pkg/autodiff"
)

// Sample is one recording: aligned audio and video feature sequences plus
// the binary label. Both sequences must have the same number of timesteps.
type Sample struct {
	Audio [][]float64 `cbor:"audio"`
	Video [][]float64 `cbor:"video"`
	Label float64     `cbor:"label"`
}

// Split is one loaded partition with its fixed feature widths.
type Split struct {
	Samples  []Sample
	AudioDim int
	VideoDim int
}

// LoadSplit decodes one CBOR-encoded partition and validates the data
// contract: aligned modalities per sample, consistent feature widths across
// the split, binary labels.
func LoadSplit(path string) (*Split, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading split: %w", err)
	}
	var samples []Sample
	if err := cbor.Unmarshal(raw, &samples); err != nil {
		return nil, fmt.Errorf("decoding split %s: %w", path, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("split %s is empty", path)
	}

	split := &Split{Samples: samples}
	for i, s := range samples {
		if len(s.Audio) == 0 || len(s.Audio) != len(s.Video) {
			return nil, fmt.Errorf("%s sample %d: audio has %d timesteps, video %d",
				path, i, len(s.Audio), len(s.Video))
		}
		if s.Label != 0 && s.Label != 1 {
			return nil, fmt.Errorf("%s sample %d: label %v is not binary", path, i, s.Label)
		}
		audioDim, videoDim := len(s.Audio[0]), len(s.Video[0])
		if i == 0 {
			split.AudioDim, split.VideoDim = audioDim, videoDim
		}
		for t := range s.Audio {
			if len(s.Audio[t]) != split.AudioDim || len(s.Video[t]) != split.VideoDim {
				return nil, fmt.Errorf("%s sample %d: inconsistent feature width at timestep %d", path, i, t)
			}
		}
	}
	return split, nil
}

// LoadAll loads the train, valid and test partitions for one downsampling
// rate concurrently. Files follow the train<rate>.cbor naming of the
// preprocessing pipeline.
func LoadAll(dir, rate string) (train, valid, test *Split, err error) {
	var g errgroup.Group
	load := func(name string, dst **Split) func() error {
		return func() error {
			s, err := LoadSplit(filepath.Join(dir, name+rate+".cbor"))
			if err != nil {
				return err
			}
			*dst = s
			return nil
		}
	}
	g.Go(load("train", &train))
	g.Go(load("valid", &valid))
	g.Go(load("test", &test))
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	if train.AudioDim != valid.AudioDim || train.AudioDim != test.AudioDim ||
		train.VideoDim != valid.VideoDim || train.VideoDim != test.VideoDim {
		return nil, nil, nil, fmt.Errorf("splits disagree on feature widths")
	}
	return train, valid, test, nil
}

// Batch is one collated training unit: per-sample matrices padded to the
// batch's longest sequence, the shared validity mask, and the labels in
// sample order.
type Batch struct {
	Audio  []*autodiff.Matrix
	Video  []*autodiff.Matrix
	Mask   *masking.Mask
	Labels []float64
}

// Batches collates the split into padded batches. When rng is non-nil the
// sample order is shuffled first; validation and test keep file order so
// predictions stay aligned with labels.
func (s *Split) Batches(batchSize int, rng *rand.Rand) ([]*Batch, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	order := make([]int, len(s.Samples))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	var batches []*Batch
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		b, err := s.collate(order[start:end])
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func (s *Split) collate(indices []int) (*Batch, error) {
	maxLen := 0
	for _, idx := range indices {
		if n := len(s.Samples[idx].Audio); n > maxLen {
			maxLen = n
		}
	}

	b := &Batch{
		Audio:  make([]*autodiff.Matrix, 0, len(indices)),
		Video:  make([]*autodiff.Matrix, 0, len(indices)),
		Labels: make([]float64, 0, len(indices)),
	}
	lengths := make([]int, 0, len(indices))
	for _, idx := range indices {
		sample := s.Samples[idx]
		audio, err := padded(sample.Audio, maxLen, s.AudioDim)
		if err != nil {
			return nil, err
		}
		video, err := padded(sample.Video, maxLen, s.VideoDim)
		if err != nil {
			return nil, err
		}
		b.Audio = append(b.Audio, audio)
		b.Video = append(b.Video, video)
		b.Labels = append(b.Labels, sample.Label)
		lengths = append(lengths, len(sample.Audio))
	}

	mask, err := masking.FromLengths(lengths, maxLen)
	if err != nil {
		return nil, err
	}
	b.Mask = mask
	return b, nil
}

func padded(seq [][]float64, rows, cols int) (*autodiff.Matrix, error) {
	m, err := autodiff.NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	for t, row := range seq {
		copy(m.Data[t], row)
	}
	return m, nil
}
