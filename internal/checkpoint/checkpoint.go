// Package checkpoint persists model parameters between and across runs. Two
// files are written per run: the current state after every epoch and the
// best validation state.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/multimodal_fusion/pkg/autodiff"
)

// Checkpoint is one persisted parameter set with its provenance.
type Checkpoint struct {
	RunID  string                 `cbor:"run_id"`
	Net    string                 `cbor:"net"`
	Epoch  int                    `cbor:"epoch"`
	Metric float64                `cbor:"metric"`
	Params map[string][][]float64 `cbor:"params"`
}

// Snapshot copies the current parameter values out of the live tensors.
func Snapshot(params map[string]*autodiff.Tensor) map[string][][]float64 {
	out := make(map[string][][]float64, len(params))
	for name, p := range params {
		rows := make([][]float64, p.Data.Rows)
		for i, row := range p.Data.Data {
			rows[i] = append([]float64(nil), row...)
		}
		out[name] = rows
	}
	return out
}

// Restore writes saved values back into the live tensors. Every saved
// parameter must exist with the same shape; a mismatch means the checkpoint
// belongs to a different architecture and is fatal.
func Restore(params map[string]*autodiff.Tensor, values map[string][][]float64) error {
	if len(values) != len(params) {
		return fmt.Errorf("checkpoint has %d parameters, model has %d", len(values), len(params))
	}
	for name, rows := range values {
		p, ok := params[name]
		if !ok {
			return fmt.Errorf("checkpoint parameter %s not present in model", name)
		}
		if len(rows) != p.Data.Rows || (len(rows) > 0 && len(rows[0]) != p.Data.Cols) {
			return fmt.Errorf("checkpoint parameter %s has shape %dx%d, model expects %dx%d",
				name, len(rows), len(rows[0]), p.Data.Rows, p.Data.Cols)
		}
		for i, row := range rows {
			copy(p.Data.Data[i], row)
		}
	}
	return nil
}

// Save writes the checkpoint atomically: encode to a temp file in the target
// directory, then rename over the destination.
func (c *Checkpoint) Save(path string) error {
	raw, err := cbor.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint back from disk.
func Load(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var c Checkpoint
	if err := cbor.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", path, err)
	}
	if len(c.Params) == 0 {
		return nil, fmt.Errorf("checkpoint %s has no parameters", path)
	}
	return &c, nil
}
