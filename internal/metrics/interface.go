package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/cpumonitor/internal/cpu"
)

// MetricsCollector defines the core domain interface
type MetricsCollector interface {
	Record(ctx context.Context, sample *Sample) error
	Close() error
}

// MetricsRepository defines the interface for metrics data storage
type MetricsRepository interface {
	Record(sample *Sample) error
	Close() error
}

// Sample is one measured interval as stored in the database
type Sample struct {
	SessionID       string
	Timestamp       time.Time
	Duration        time.Duration
	Source          string
	Idle            float64
	NonIdle         float64
	Ticks           uint64
	ContextSwitches uint64
	Processes       uint64
	ProcsRunning    int64
	ProcsBlocked    int64
	Cores           []CoreSample
}

type CoreSample struct {
	Index   int
	Idle    float64
	NonIdle float64
}

// NewSample converts the interval ending at newer into a Sample.
func NewSample(newer cpu.Instant, interval cpu.Interval) *Sample {
	delta := interval.Delta()

	// An overflowing total leaves Ticks at zero and the ratios NaN.
	ticks, _ := delta.Aggregate.CheckedTotal()

	sample := &Sample{
		Timestamp:       newer.Timestamp(),
		Duration:        interval.Duration(),
		Source:          newer.Source(),
		Idle:            interval.Idle(),
		NonIdle:         interval.NonIdle(),
		Ticks:           ticks,
		ContextSwitches: delta.ContextSwitches,
		Processes:       delta.Processes,
		ProcsRunning:    delta.ProcsRunning,
		ProcsBlocked:    delta.ProcsBlocked,
		Cores:           make([]CoreSample, interval.NumCores()),
	}
	for i := range sample.Cores {
		sample.Cores[i] = CoreSample{
			Index:   i,
			Idle:    interval.CoreIdle(i),
			NonIdle: interval.CoreNonIdle(i),
		}
	}

	return sample
}
