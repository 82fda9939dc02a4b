package cpu_test

import (
	"context"
	"math"
	"testing"
	"time"

	"codeberg.org/mutker/cpumonitor/internal/cpu"
	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/procstat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tableEarlier = `cpu  17501 2 6293 8212469 20141 1955 805 0 0 0
cpu0 4713 0 1720 2049410 8036 260 255 0 0 0
cpu1 3866 0 1325 2054893 3673 928 307 0 0 0
ctxt 2238717
btime 1535128607
processes 2453
procs_running 1
procs_blocked 0
`
	tableLater = `cpu  17601 2 6343 8212769 20191 1960 810 0 0 0
cpu0 4763 0 1745 2049560 8061 262 257 0 0 0
cpu1 3916 0 1350 2055043 3698 931 310 0 0 0
ctxt 2239717
btime 1535128607
processes 2460
procs_running 3
procs_blocked 0
`
	tableTwoCores = tableEarlier
	tableOneCore  = `cpu  17501 2 6293 8212469 20141 1955 805 0 0 0
cpu0 4713 0 1720 2049410 8036 260 255 0 0 0
ctxt 2238717
btime 1535128607
processes 2453
procs_running 1
procs_blocked 0
`
)

type fakeSource struct {
	name   string
	tables []string
	err    error
	reads  int
}

func (f *fakeSource) Name() string {
	return f.name
}

func (f *fakeSource) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.err != nil {
		return "", f.err
	}
	table := f.tables[f.reads%len(f.tables)]
	f.reads++
	return table, nil
}

type fakeClock struct {
	now time.Time
	gap time.Duration
}

func (c *fakeClock) Now() time.Time {
	now := c.now
	c.now = c.now.Add(c.gap)
	return now
}

func newSampler(tables ...string) (*cpu.Sampler, *fakeClock) {
	clock := &fakeClock{
		now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		gap: time.Second,
	}
	src := &fakeSource{name: "file:/proc/stat", tables: tables}
	return cpu.NewSampler(src, cpu.WithClock(clock.Now)), clock
}

func TestSamplerInterval(t *testing.T) {
	ctx := context.Background()
	sampler, _ := newSampler(tableEarlier, tableLater)

	older, err := sampler.Now(ctx)
	require.NoError(t, err)
	newer, err := sampler.Now(ctx)
	require.NoError(t, err)

	assert.Equal(t, "file:/proc/stat", newer.Source())
	assert.Equal(t, 2, newer.Snapshot().NumCores())

	interval, err := newer.Sub(older)
	require.NoError(t, err)

	assert.Equal(t, time.Second, interval.Duration())
	assert.True(t, interval.HasData())
	assert.InDelta(t, 350.0/510.0, interval.Idle(), 1e-12)
	assert.InDelta(t, 160.0/510.0, interval.NonIdle(), 1e-12)
	assert.Equal(t, uint64(1000), interval.Delta().ContextSwitches)
	assert.Equal(t, int64(2), interval.Delta().ProcsRunning)

	require.Equal(t, 2, interval.NumCores())
	for i := 0; i < interval.NumCores(); i++ {
		assert.InDelta(t, 1.0, interval.CoreIdle(i)+interval.CoreNonIdle(i), 1e-12)
	}
	assert.InDelta(t, 175.0/254.0, interval.CoreIdle(0), 1e-12)
}

func TestSampleDeltaKeepsBaseline(t *testing.T) {
	ctx := context.Background()
	sampler, _ := newSampler(tableEarlier, tableLater, tableLater)

	first, err := sampler.Now(ctx)
	require.NoError(t, err)
	second, err := sampler.Now(ctx)
	require.NoError(t, err)

	interval, err := cpu.SampleDelta(&second, &first)
	require.NoError(t, err)
	assert.InDelta(t, 350.0/510.0, interval.Idle(), 1e-12)

	third, err := sampler.Now(ctx)
	require.NoError(t, err)

	interval, err = cpu.SampleDelta(&third, &second)
	require.NoError(t, err)
	assert.False(t, interval.HasData())
	assert.True(t, math.IsNaN(interval.Idle()))
	assert.Equal(t, time.Second, interval.Duration())

	again, err := cpu.SampleDelta(&second, &first)
	require.NoError(t, err)
	assert.InDelta(t, 350.0/510.0, again.Idle(), 1e-12)
}

func TestSelfInterval(t *testing.T) {
	sampler, _ := newSampler(tableEarlier)

	instant, err := sampler.Now(context.Background())
	require.NoError(t, err)

	interval, err := instant.Sub(instant)
	require.NoError(t, err)
	assert.Zero(t, interval.Duration())
	assert.False(t, interval.HasData())
	assert.True(t, math.IsNaN(interval.NonIdle()))
}

func TestAccessorsReturnCopies(t *testing.T) {
	ctx := context.Background()
	sampler, _ := newSampler(tableEarlier, tableLater)

	older, err := sampler.Now(ctx)
	require.NoError(t, err)
	newer, err := sampler.Now(ctx)
	require.NoError(t, err)

	snap := older.Snapshot()
	snap.PerCore[0].User = 999999999
	snap.Aggregate.User = 999999999
	assert.Equal(t, uint64(4713), older.Snapshot().PerCore[0].User)
	assert.Equal(t, uint64(17501), older.Snapshot().Aggregate.User)

	interval, err := newer.Sub(older)
	require.NoError(t, err)
	coreIdle := interval.CoreIdle(0)

	delta := interval.Delta()
	delta.PerCore[0].Idle = 0
	assert.Equal(t, uint64(150), interval.Delta().PerCore[0].Idle)
	assert.InDelta(t, coreIdle, interval.CoreIdle(0), 1e-12)
}

func TestNewInstantCopiesSnapshot(t *testing.T) {
	snap, err := procstat.Parse(tableEarlier)
	require.NoError(t, err)

	instant := cpu.NewInstant(time.Now(), snap, "file:/proc/stat")
	snap.PerCore[1].System = 0

	assert.Equal(t, uint64(1325), instant.Snapshot().PerCore[1].System)
}

func TestIntervalTotalOverflow(t *testing.T) {
	now := time.Now()
	older := cpu.NewInstant(now, procstat.Snapshot{}, "file:/proc/stat")
	newer := cpu.NewInstant(now.Add(time.Second), procstat.Snapshot{
		Aggregate: procstat.CoreCounters{User: math.MaxUint64, Idle: 1},
	}, "file:/proc/stat")

	interval, err := newer.Sub(older)
	require.NoError(t, err)

	assert.False(t, interval.HasData())
	assert.NotPanics(t, func() {
		assert.True(t, math.IsNaN(interval.Idle()))
		assert.True(t, math.IsNaN(interval.NonIdle()))
	})
}

func TestIntervalSourceMismatch(t *testing.T) {
	now := time.Now()
	snap, err := procstat.Parse(tableEarlier)
	require.NoError(t, err)

	older := cpu.NewInstant(now, snap, "file:/proc/stat")
	newer := cpu.NewInstant(now.Add(time.Second), snap, "ssh:monitor@db1:22")

	_, err = newer.Sub(older)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, cpu.ErrSourceMismatch))
	assert.Contains(t, err.Error(), "db1")
}

func TestIntervalOutOfOrder(t *testing.T) {
	now := time.Now()
	earlier, err := procstat.Parse(tableEarlier)
	require.NoError(t, err)
	later, err := procstat.Parse(tableLater)
	require.NoError(t, err)

	older := cpu.NewInstant(now, earlier, "file:/proc/stat")
	newer := cpu.NewInstant(now.Add(time.Second), later, "file:/proc/stat")

	_, err = older.Sub(newer)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, cpu.ErrOutOfOrder))
}

func TestIntervalCounterErrors(t *testing.T) {
	now := time.Now()
	earlier, err := procstat.Parse(tableEarlier)
	require.NoError(t, err)
	later, err := procstat.Parse(tableLater)
	require.NoError(t, err)
	oneCore, err := procstat.Parse(tableOneCore)
	require.NoError(t, err)

	// Swapped tables with correctly ordered timestamps.
	older := cpu.NewInstant(now, later, "file:/proc/stat")
	newer := cpu.NewInstant(now.Add(time.Second), earlier, "file:/proc/stat")
	_, err = newer.Sub(older)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, procstat.ErrCounterDecreased))

	older = cpu.NewInstant(now, oneCore, "file:/proc/stat")
	_, err = newer.Sub(older)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, procstat.ErrCoreCountMismatch))
}

func TestSamplerErrors(t *testing.T) {
	readErr := errors.New().New(errors.ErrTimeout)
	src := &fakeSource{name: "broken", err: readErr}

	_, err := cpu.NewSampler(src).Now(context.Background())
	assert.ErrorIs(t, err, readErr)

	sampler, _ := newSampler("cpu  1 2 3\n")
	_, err = sampler.Now(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, procstat.ErrInvalidData))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sampler, _ = newSampler(tableTwoCores)
	_, err = sampler.Now(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = cpu.NewSampler(nil).Now(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, cpu.ErrNoSource))
}
