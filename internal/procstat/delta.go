package procstat

import (
	"math"
	"slices"
	"strconv"

	"codeberg.org/mutker/cpumonitor/internal/errors"
)

// Delta is the checked field-wise difference between two snapshots.
type Delta struct {
	// Aggregate is the tick increment of the system-wide line.
	Aggregate CoreCounters
	// PerCore is position-aligned with the snapshots' PerCore.
	PerCore []CoreCounters
	// ContextSwitches over the interval.
	ContextSwitches uint64
	// Processes created over the interval.
	Processes uint64
	// ProcsRunning is the change in runnable processes; may be negative.
	ProcsRunning int64
	// ProcsBlocked is the change in blocked processes; may be negative.
	ProcsBlocked int64
}

// Difference computes newer - older. Both snapshots must report the same
// number of cores, and no cumulative counter may have decreased; either
// condition means the pair cannot be compared and is returned as an error.
// Neither operand is modified.
func Difference(newer, older Snapshot) (Delta, error) {
	errFactory := errors.New()

	if len(newer.PerCore) != len(older.PerCore) {
		return Delta{}, errFactory.WithData(ErrCoreCountMismatch, struct {
			Newer int
			Older int
		}{
			Newer: len(newer.PerCore),
			Older: len(older.PerCore),
		})
	}

	aggregate, err := newer.Aggregate.sub(older.Aggregate, cpuLabel)
	if err != nil {
		return Delta{}, err
	}

	perCore := make([]CoreCounters, len(newer.PerCore))
	for i := range newer.PerCore {
		perCore[i], err = newer.PerCore[i].sub(older.PerCore[i], cpuLabel+strconv.Itoa(i))
		if err != nil {
			return Delta{}, err
		}
	}

	ctxt, err := counterSub(keyContextSwitches, newer.ContextSwitches, older.ContextSwitches)
	if err != nil {
		return Delta{}, err
	}

	processes, err := counterSub(keyProcesses, newer.Processes, older.Processes)
	if err != nil {
		return Delta{}, err
	}

	running, err := gaugeSub(keyProcsRunning, newer.ProcsRunning, older.ProcsRunning)
	if err != nil {
		return Delta{}, err
	}

	blocked, err := gaugeSub(keyProcsBlocked, newer.ProcsBlocked, older.ProcsBlocked)
	if err != nil {
		return Delta{}, err
	}

	return Delta{
		Aggregate:       aggregate,
		PerCore:         perCore,
		ContextSwitches: ctxt,
		Processes:       processes,
		ProcsRunning:    running,
		ProcsBlocked:    blocked,
	}, nil
}

// Clone returns a copy of d that shares no memory with it.
func (d Delta) Clone() Delta {
	d.PerCore = slices.Clone(d.PerCore)
	return d
}

// Sub is Difference(s, older).
func (s Snapshot) Sub(older Snapshot) (Delta, error) {
	return Difference(s, older)
}

// IdleRatio is the aggregate (idle + iowait) / total over the interval.
// It is NaN when no ticks elapsed or their total overflows.
func (d Delta) IdleRatio() float64 {
	return d.Aggregate.IdleRatio()
}

// NonIdleRatio is 1 - IdleRatio.
func (d Delta) NonIdleRatio() float64 {
	return d.Aggregate.NonIdleRatio()
}

func counterSub(name string, newer, older uint64) (uint64, error) {
	if newer < older {
		return 0, errors.New().WithData(ErrCounterDecreased, counterIssue{
			Scope: "table",
			Field: name,
			Older: older,
			Newer: newer,
		})
	}
	return newer - older, nil
}

func gaugeSub(name string, newer, older uint64) (int64, error) {
	if newer > math.MaxInt64 || older > math.MaxInt64 {
		return 0, errors.New().WithData(ErrGaugeOverflow, struct {
			Field string
			Newer uint64
			Older uint64
		}{
			Field: name,
			Newer: newer,
			Older: older,
		})
	}
	return int64(newer) - int64(older), nil
}
