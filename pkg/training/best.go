package training

import (
	"github.com/multimodal_fusion/internal/checkpoint"
	"github.com/multimodal_fusion/pkg/autodiff"
)

// Best tracks the strongest validation result seen so far, holding a
// detached copy of the parameters so later training cannot mutate it.
type Best struct {
	Metric float64
	Epoch  int
	Params map[string][][]float64

	// Stall counts epochs since the last improvement.
	Stall int
}

// Update folds one epoch's validation metric into the running best. Ties go
// to the newer model. Returns the updated state and whether it improved; a
// run that never improves keeps its first snapshot, so Best never stays
// empty past the first epoch.
func (b Best) Update(metric float64, epoch int, params map[string]*autodiff.Tensor) (Best, bool) {
	if metric >= b.Metric || b.Params == nil {
		return Best{
			Metric: metric,
			Epoch:  epoch,
			Params: checkpoint.Snapshot(params),
		}, true
	}
	b.Stall++
	return b, false
}
