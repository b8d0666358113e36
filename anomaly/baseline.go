package anomaly

import (
	"math"
	"time"
)

// baseline holds the rolling statistics for one (entity, metric) key.
// Mean and variance are maintained with Welford's online algorithm,
// which stays numerically stable over long-running streams where the
// naive sum-of-squares accumulation loses precision.
type baseline struct {
	count       int64
	mean        float64
	m2          float64 // sum of squared deviations from the mean
	lastUpdated time.Time
}

// update folds one observation into the rolling statistics.
func (b *baseline) update(value float64, ts time.Time) {
	b.count++
	delta := value - b.mean
	b.mean += delta / float64(b.count)
	b.m2 += delta * (value - b.mean)
	b.lastUpdated = ts
}

// variance returns the sample variance (n-1 denominator).
func (b *baseline) variance() float64 {
	if b.count < 2 {
		return 0
	}
	return b.m2 / float64(b.count-1)
}

// stddev returns the sample standard deviation.
func (b *baseline) stddev() float64 {
	v := b.variance()
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// BaselineSnapshot is the externally visible view of a baseline.
type BaselineSnapshot struct {
	Key         string    `json:"key"`
	SampleCount int64     `json:"sample_count"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stddev"`
	LastUpdated time.Time `json:"last_updated"`
}
