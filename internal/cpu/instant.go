// Package cpu pairs counter snapshots with timestamps and turns two of
// them into CPU utilization over the interval between them.
package cpu

import (
	"context"
	"time"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/procstat"
	"codeberg.org/mutker/cpumonitor/internal/source"
)

// Instant is a counter snapshot taken at a point in time, like a
// time.Time that also knows how busy the CPU has been.
type Instant struct {
	timestamp time.Time
	snapshot  procstat.Snapshot
	source    string
}

// NewInstant builds an Instant from an already parsed snapshot, which it
// copies. sourceName must match for two Instants to be comparable.
func NewInstant(timestamp time.Time, snapshot procstat.Snapshot, sourceName string) Instant {
	return Instant{
		timestamp: timestamp,
		snapshot:  snapshot.Clone(),
		source:    sourceName,
	}
}

// Timestamp returns when the counters were read. It carries the monotonic
// clock reading when taken from time.Now.
func (i Instant) Timestamp() time.Time {
	return i.timestamp
}

// Snapshot returns a copy of the counters; changing it leaves i intact.
func (i Instant) Snapshot() procstat.Snapshot {
	return i.snapshot.Clone()
}

// Source names where the counters came from.
func (i Instant) Source() string {
	return i.source
}

// Sub returns the interval from older to i.
func (i Instant) Sub(older Instant) (Interval, error) {
	return SampleDelta(&i, &older)
}

// SampleDelta returns the interval from older to newer without consuming
// either, so newer can serve as the next baseline. The instants must come
// from the same source and older must not be later than newer.
func SampleDelta(newer, older *Instant) (Interval, error) {
	errFactory := errors.New()

	if newer.source != older.source {
		return Interval{}, errFactory.WithData(ErrSourceMismatch, struct {
			Newer string
			Older string
		}{
			Newer: newer.source,
			Older: older.source,
		})
	}

	if newer.timestamp.Before(older.timestamp) {
		return Interval{}, errFactory.WithData(ErrOutOfOrder, struct {
			Newer time.Time
			Older time.Time
		}{
			Newer: newer.timestamp,
			Older: older.timestamp,
		})
	}

	delta, err := procstat.Difference(newer.snapshot, older.snapshot)
	if err != nil {
		return Interval{}, err
	}

	return Interval{
		duration: newer.timestamp.Sub(older.timestamp),
		delta:    delta,
	}, nil
}

// Sampler takes Instants from a counter source.
type Sampler struct {
	src source.Source
	now func() time.Time
}

type SamplerOption func(*Sampler)

// WithClock replaces time.Now as the timestamp source.
func WithClock(now func() time.Time) SamplerOption {
	return func(s *Sampler) {
		s.now = now
	}
}

func NewSampler(src source.Source, opts ...SamplerOption) *Sampler {
	s := &Sampler{
		src: src,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now reads and parses the counter table and stamps it with the current
// time. Acquisition and parse errors are returned unchanged.
func (s *Sampler) Now(ctx context.Context) (Instant, error) {
	if s.src == nil {
		return Instant{}, errors.New().New(ErrNoSource)
	}

	raw, err := s.src.Read(ctx)
	if err != nil {
		return Instant{}, err
	}
	timestamp := s.now()

	snap, err := procstat.Parse(raw)
	if err != nil {
		return Instant{}, err
	}

	return NewInstant(timestamp, snap, s.src.Name()), nil
}
