package metrics

// TrailingMean holds the non-standard two-sample trailing mean used for
// Circuit.avgTimings: avg' = avg==0 ? sample : (avg+sample)/2. This is not
// a true running average over all samples; it is retained deliberately to
// preserve the coordinator's observable timing semantics rather than
// being replaced with a statistically "correct" EWMA or cumulative mean.
// Backed by a Gauge so the current value is still readable/exportable
// like any other metric.
type TrailingMean struct {
	g Gauge
}

// NewTrailingMean constructs a TrailingMean starting at zero.
func NewTrailingMean() *TrailingMean {
	return &TrailingMean{g: NewGauge()}
}

// Update folds sample into the trailing mean and returns the new value.
func (t *TrailingMean) Update(sample int64) int64 {
	cur := t.g.Value()
	var next int64
	if cur == 0 {
		next = sample
	} else {
		next = (cur + sample) / 2
	}
	t.g.Update(next)
	return next
}

// Value returns the current trailing mean.
func (t *TrailingMean) Value() int64 { return t.g.Value() }

// Set pins the trailing mean to v, used when loading a Circuit document
// that already carries a persisted avgTimings value.
func (t *TrailingMean) Set(v int64) { t.g.Update(v) }
