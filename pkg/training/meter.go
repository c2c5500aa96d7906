package training

// AverageMeter accumulates a weighted running average, weighting each update
// by its batch size so partial final batches do not skew the epoch loss.
type AverageMeter struct {
	sum    float64
	weight float64
}

// Update adds one observation with weight n.
func (m *AverageMeter) Update(value float64, n int) {
	m.sum += value * float64(n)
	m.weight += float64(n)
}

// Avg returns the weighted average, 0 before any update.
func (m *AverageMeter) Avg() float64 {
	if m.weight == 0 {
		return 0
	}
	return m.sum / m.weight
}
