package procstat

import (
	"fmt"
	"math"
	"math/bits"

	"codeberg.org/mutker/cpumonitor/internal/errors"
)

const numFields = 9

// fieldNames lists the kernel column order of a cpu line.
var fieldNames = [numFields]string{
	"user", "nice", "system", "idle", "iowait", "irq", "softirq", "steal", "guest",
}

// CoreCounters holds the cumulative tick counts of one cpu line. Ticks are
// unit-less and only meaningful as a proportion of Total.
type CoreCounters struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
	Guest   uint64
}

func (c CoreCounters) values() [numFields]uint64 {
	return [numFields]uint64{
		c.User, c.Nice, c.System, c.Idle, c.IOWait, c.IRQ, c.SoftIRQ, c.Steal, c.Guest,
	}
}

func fromValues(v [numFields]uint64) CoreCounters {
	return CoreCounters{
		User:    v[0],
		Nice:    v[1],
		System:  v[2],
		Idle:    v[3],
		IOWait:  v[4],
		IRQ:     v[5],
		SoftIRQ: v[6],
		Steal:   v[7],
		Guest:   v[8],
	}
}

// CheckedTotal sums all nine buckets, failing if the sum overflows.
func (c CoreCounters) CheckedTotal() (uint64, error) {
	var total, carry uint64
	for _, v := range c.values() {
		total, carry = bits.Add64(total, v, 0)
		if carry != 0 {
			return 0, errors.New().WithData(ErrTotalOverflow, c)
		}
	}
	return total, nil
}

// Total sums all nine buckets. It panics if the sum overflows uint64.
func (c CoreCounters) Total() uint64 {
	total, err := c.CheckedTotal()
	if err != nil {
		panic(fmt.Sprintf("procstat: %v", err))
	}
	return total
}

// IdleRatio is (idle + iowait) / total. It is NaN when total is zero or
// does not fit in a uint64.
func (c CoreCounters) IdleRatio() float64 {
	total, err := c.CheckedTotal()
	if err != nil {
		return math.NaN()
	}
	// Both terms are part of total, so the sum cannot overflow.
	return float64(c.Idle+c.IOWait) / float64(total)
}

// NonIdleRatio is 1 - IdleRatio.
func (c CoreCounters) NonIdleRatio() float64 {
	return 1.0 - c.IdleRatio()
}

// Sub returns c - older field by field. Any field of c that is smaller
// than the same field of older is an error.
func (c CoreCounters) Sub(older CoreCounters) (CoreCounters, error) {
	return c.sub(older, "cpu")
}

func (c CoreCounters) sub(older CoreCounters, scope string) (CoreCounters, error) {
	newer, prev := c.values(), older.values()

	var out [numFields]uint64
	for i := range newer {
		diff, borrow := bits.Sub64(newer[i], prev[i], 0)
		if borrow != 0 {
			return CoreCounters{}, errors.New().WithData(ErrCounterDecreased, counterIssue{
				Scope: scope,
				Field: fieldNames[i],
				Older: prev[i],
				Newer: newer[i],
			})
		}
		out[i] = diff
	}

	return fromValues(out), nil
}
