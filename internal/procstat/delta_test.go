package procstat_test

import (
	"math"
	"strings"
	"testing"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/procstat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const procStatLater = `cpu  17601 2 6343 8212769 20191 1960 810 0 0 0
cpu0 4738 0 1732 2049485 8050 261 256 0 0 0
cpu1 3891 0 1337 2054968 3685 929 308 0 0 0
cpu2 4991 1 2000 2051318 5608 517 142 0 0 0
cpu3 3980 0 1274 2056997 2848 253 104 0 0 0
intr 1015999 8 8252 0 0 0
ctxt 2239717
btime 1535128607
processes 2460
procs_running 3
procs_blocked 0
`

func mustParse(t *testing.T, raw string) procstat.Snapshot {
	t.Helper()
	snap, err := procstat.Parse(raw)
	require.NoError(t, err)
	return snap
}

func sumFields(c procstat.CoreCounters) uint64 {
	return c.User + c.Nice + c.System + c.Idle + c.IOWait + c.IRQ + c.SoftIRQ + c.Steal + c.Guest
}

func TestDifference(t *testing.T) {
	older := mustParse(t, procStat)
	newer := mustParse(t, procStatLater)

	delta, err := procstat.Difference(newer, older)
	require.NoError(t, err)

	assert.Equal(t, procstat.CoreCounters{
		User: 100, System: 50, Idle: 300, IOWait: 50, IRQ: 5, SoftIRQ: 5,
	}, delta.Aggregate)
	require.Len(t, delta.PerCore, 4)
	assert.Equal(t, uint64(25), delta.PerCore[0].User)
	assert.Equal(t, uint64(75), delta.PerCore[3].Idle)
	assert.Equal(t, uint64(1000), delta.ContextSwitches)
	assert.Equal(t, uint64(7), delta.Processes)
	assert.Equal(t, int64(2), delta.ProcsRunning)
	assert.Equal(t, int64(0), delta.ProcsBlocked)

	assert.Equal(t, sumFields(delta.Aggregate), delta.Aggregate.Total())
	assert.InDelta(t, 350.0/510.0, delta.IdleRatio(), 1e-12)
	assert.InDelta(t, 1.0, delta.IdleRatio()+delta.NonIdleRatio(), 1e-12)

	for i, core := range delta.PerCore {
		if core.Total() > 0 {
			assert.InDelta(t, 1.0, core.IdleRatio()+core.NonIdleRatio(), 1e-12, "core %d", i)
		}
	}
}

func TestSubMatchesDifference(t *testing.T) {
	older := mustParse(t, procStat)
	newer := mustParse(t, procStatLater)

	viaMethod, err := newer.Sub(older)
	require.NoError(t, err)
	viaFunc, err := procstat.Difference(newer, older)
	require.NoError(t, err)
	assert.Equal(t, viaFunc, viaMethod)
}

func TestDifferenceDoesNotMutateOperands(t *testing.T) {
	older := mustParse(t, procStat)
	newer := mustParse(t, procStatLater)
	olderCopy := mustParse(t, procStat)
	newerCopy := mustParse(t, procStatLater)

	delta, err := procstat.Difference(newer, older)
	require.NoError(t, err)
	delta.PerCore[0].User = 0

	assert.Equal(t, olderCopy, older)
	assert.Equal(t, newerCopy, newer)
}

func TestDifferenceWithSelfIsZero(t *testing.T) {
	snap := mustParse(t, procStat)

	delta, err := procstat.Difference(snap, snap)
	require.NoError(t, err)

	assert.Equal(t, procstat.CoreCounters{}, delta.Aggregate)
	for _, core := range delta.PerCore {
		assert.Equal(t, procstat.CoreCounters{}, core)
	}
	assert.Zero(t, delta.ContextSwitches)
	assert.Zero(t, delta.Processes)
	assert.Zero(t, delta.ProcsRunning)
	assert.Zero(t, delta.ProcsBlocked)
	assert.True(t, math.IsNaN(delta.IdleRatio()), "zero ticks has no ratio")
	assert.True(t, math.IsNaN(delta.NonIdleRatio()))
}

func TestDifferenceCoreCountMismatch(t *testing.T) {
	older := mustParse(t, procStat)
	fewer := mustParse(t, strings.Replace(procStatLater,
		"cpu3 3980 0 1274 2056997 2848 253 104 0 0 0\n", "", 1))

	_, err := procstat.Difference(fewer, older)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, procstat.ErrCoreCountMismatch))

	_, err = procstat.Difference(older, fewer)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, procstat.ErrCoreCountMismatch))
}

func TestDifferenceCounterDecreased(t *testing.T) {
	older := mustParse(t, procStat)
	newer := mustParse(t, procStatLater)

	_, err := procstat.Difference(older, newer)
	require.Error(t, err, "reversed operands")
	assert.True(t, errors.HasCode(err, procstat.ErrCounterDecreased))

	reset := mustParse(t, strings.Replace(procStatLater, "cpu2 4991 1", "cpu2 4991 0", 1))
	_, err = procstat.Difference(reset, older)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, procstat.ErrCounterDecreased))
	assert.Contains(t, err.Error(), "cpu2 nice")

	fewerCtxt := mustParse(t, strings.Replace(procStatLater, "ctxt 2239717", "ctxt 1", 1))
	_, err = procstat.Difference(fewerCtxt, older)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ctxt")
}

func TestGaugesMayDecrease(t *testing.T) {
	older := mustParse(t, strings.Replace(procStat, "procs_blocked 0", "procs_blocked 4", 1))
	newer := mustParse(t, procStatLater)

	delta, err := procstat.Difference(newer, older)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), delta.ProcsBlocked)
}

func TestGaugeOverflow(t *testing.T) {
	older := mustParse(t, procStat)
	newer := mustParse(t, strings.Replace(procStatLater, "procs_running 3", "procs_running 9223372036854775808", 1))

	_, err := procstat.Difference(newer, older)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, procstat.ErrGaugeOverflow))
}

func TestTotalOverflow(t *testing.T) {
	c := procstat.CoreCounters{User: math.MaxUint64, Idle: 1}

	_, err := c.CheckedTotal()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, procstat.ErrTotalOverflow))
	assert.Panics(t, func() { _ = c.Total() })
	assert.True(t, math.IsNaN(c.IdleRatio()))
	assert.True(t, math.IsNaN(c.NonIdleRatio()))
}

func TestCoreCountersSub(t *testing.T) {
	newer := procstat.CoreCounters{User: 10, Idle: 20, Steal: 3}
	older := procstat.CoreCounters{User: 4, Idle: 20, Steal: 1}

	d, err := newer.Sub(older)
	require.NoError(t, err)
	assert.Equal(t, procstat.CoreCounters{User: 6, Steal: 2}, d)
	assert.InDelta(t, 0.0, d.IdleRatio(), 1e-12)
	assert.InDelta(t, 1.0, d.NonIdleRatio(), 1e-12)

	_, err = older.Sub(newer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}
