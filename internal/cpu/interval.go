package cpu

import (
	"time"

	"codeberg.org/mutker/cpumonitor/internal/procstat"
)

// Interval is the CPU activity between two Instants, like a time.Duration
// that also knows the CPU usage over that span.
type Interval struct {
	duration time.Duration
	delta    procstat.Delta
}

// Duration is the wall-clock gap between the samples. It is independent
// of the tick counts.
func (d Interval) Duration() time.Duration {
	return d.duration
}

// Delta returns a copy of the tick increments.
func (d Interval) Delta() procstat.Delta {
	return d.delta.Clone()
}

// HasData reports whether a usable number of ticks elapsed. When it is
// false, because no ticks elapsed or their total overflows, the ratios
// are NaN.
func (d Interval) HasData() bool {
	total, err := d.delta.Aggregate.CheckedTotal()
	return err == nil && total > 0
}

// Idle is the proportion of the interval spent idle or waiting on I/O,
// between 0 and 1.
func (d Interval) Idle() float64 {
	return d.delta.IdleRatio()
}

// NonIdle is the proportion of the interval spent busy, between 0 and 1.
func (d Interval) NonIdle() float64 {
	return d.delta.NonIdleRatio()
}

func (d Interval) NumCores() int {
	return len(d.delta.PerCore)
}

// CoreIdle is Idle for the i-th core.
func (d Interval) CoreIdle(i int) float64 {
	return d.delta.PerCore[i].IdleRatio()
}

// CoreNonIdle is NonIdle for the i-th core.
func (d Interval) CoreNonIdle(i int) float64 {
	return d.delta.PerCore[i].NonIdleRatio()
}
