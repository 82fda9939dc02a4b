package procstat_test

import (
	"strings"
	"testing"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/procstat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const procStat = `cpu  17501 2 6293 8212469 20141 1955 805 0 0 0
cpu0 4713 0 1720 2049410 8036 260 255 0 0 0
cpu1 3866 0 1325 2054893 3673 928 307 0 0 0
cpu2 4966 1 1988 2051243 5596 516 141 0 0 0
cpu3 3955 0 1258 2056922 2835 250 100 0 0 0
intr 1015182 8 8252 0 0 0 0 0 0 1 113449 0 0 198907 0 0 0 18494 0 0 1 0 0 0 29 22 7171 46413 13 0 413 167 528 0 0 0
ctxt 2238717
btime 1535128607
processes 2453
procs_running 1
procs_blocked 0
softirq 4257581 64 299604 69 2986 36581 0 3497229 283111 0 137937
`

func TestParseUint(t *testing.T) {
	n, rest, err := procstat.ParseUint("12 ")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)
	assert.Equal(t, " ", rest)

	n, rest, err = procstat.ParseUint("12")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)
	assert.Empty(t, rest)

	_, _, err = procstat.ParseUint("a123")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, procstat.ErrInvalidData))

	_, _, err = procstat.ParseUint("")
	require.Error(t, err)

	n, _, err = procstat.ParseUint("18446744073709551615")
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), n)

	_, _, err = procstat.ParseUint("18446744073709551616")
	require.Error(t, err, "one past MaxUint64 must not wrap")
	assert.True(t, errors.HasCode(err, procstat.ErrInvalidData))
}

func TestParseKey(t *testing.T) {
	n, err := procstat.ParseKey("processes", "processes 2453")
	require.NoError(t, err)
	assert.Equal(t, uint64(2453), n)

	for _, line := range []string{
		"procs_running 1",
		"processes",
		"processes x",
		"processes2453",
		"processes 24x53",
	} {
		_, err := procstat.ParseKey("processes", line)
		assert.Error(t, err, line)
	}
}

func TestParse(t *testing.T) {
	snap, err := procstat.Parse(procStat)
	require.NoError(t, err)

	assert.Equal(t, uint64(17501), snap.Aggregate.User)
	assert.Equal(t, uint64(2), snap.Aggregate.Nice)
	assert.Equal(t, uint64(8212469), snap.Aggregate.Idle)
	assert.Equal(t, uint64(20141), snap.Aggregate.IOWait)
	assert.Equal(t, uint64(805), snap.Aggregate.SoftIRQ)
	require.Len(t, snap.PerCore, 4)
	assert.Equal(t, 4, snap.NumCores())
	assert.Equal(t, uint64(4713), snap.PerCore[0].User)
	assert.Equal(t, uint64(2056922), snap.PerCore[3].Idle)
	assert.Equal(t, uint64(2238717), snap.ContextSwitches)
	assert.Equal(t, uint64(1535128607), snap.BootTime)
	assert.Equal(t, uint64(2453), snap.Processes)
	assert.Equal(t, uint64(1), snap.ProcsRunning)
	assert.Equal(t, uint64(0), snap.ProcsBlocked)
}

func TestParseTolerates(t *testing.T) {
	tests := []struct {
		name  string
		input string
		cores int
	}{
		{
			name:  "no per-core lines",
			input: "cpu 1 2 3 4 5 6 7 8 9\nintr 0\nctxt 1\nbtime 2\nprocesses 3\nprocs_running 4\nprocs_blocked 5\n",
			cores: 0,
		},
		{
			name:  "crlf line endings and tabs",
			input: "cpu\t1 2 3 4 5 6 7 8 9\r\ncpu0 1 2 3 4 5 6 7 8 9\r\nctxt\t1\r\nbtime 2\r\nprocesses 3\r\nprocs_running 4\r\nprocs_blocked 5\r\n",
			cores: 1,
		},
		{
			name:  "keys in any order with unrelated lines between",
			input: "cpu 1 2 3 4 5 6 7 8 9\ncpu0 1 2 3 4 5 6 7 8 9\nintr 9 9\nprocs_blocked 5\nsoftirq 1 2\nprocesses 3\nbtime 2\nctxt 1\n\nprocs_running 4",
			cores: 1,
		},
		{
			name:  "older kernels with exactly nine fields",
			input: "cpu 1 2 3 4 5 6 7 8 9\ncpu0 1 2 3 4 5 6 7 8 9\ncpu1 1 2 3 4 5 6 7 8 9\nctxt 1\nbtime 2\nprocesses 3\nprocs_running 4\nprocs_blocked 5",
			cores: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := procstat.Parse(tt.input)
			require.NoError(t, err)
			assert.Len(t, snap.PerCore, tt.cores)
			assert.Equal(t, uint64(1), snap.ContextSwitches)
			assert.Equal(t, uint64(2), snap.BootTime)
			assert.Equal(t, uint64(3), snap.Processes)
			assert.Equal(t, uint64(4), snap.ProcsRunning)
			assert.Equal(t, uint64(5), snap.ProcsBlocked)
			assert.Equal(t, uint64(9), snap.Aggregate.Guest)
		})
	}
}

func TestParseFailures(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty input", ""},
		{"aggregate missing a field", strings.Replace(procStat, "cpu  17501 2 6293 8212469 20141 1955 805 0 0 0", "cpu  17501 2 6293 8212469 20141 1955 805 0", 1)},
		{"aggregate not first", strings.Replace(procStat, "cpu  17501", "intr 1\ncpu  17501", 1)},
		{"first line is a core line", strings.Replace(procStat, "cpu  17501", "cpu9 17501", 1)},
		{"non-numeric core field", strings.Replace(procStat, "cpu2 4966 1", "cpu2 4966 x", 1)},
		{"core line missing fields", strings.Replace(procStat, "cpu1 3866 0 1325 2054893 3673 928 307 0 0 0", "cpu1 3866 0 1325", 1)},
		{"missing ctxt", strings.Replace(procStat, "ctxt 2238717\n", "", 1)},
		{"missing btime", strings.Replace(procStat, "btime 1535128607\n", "", 1)},
		{"missing processes", strings.Replace(procStat, "processes 2453\n", "", 1)},
		{"missing procs_running", strings.Replace(procStat, "procs_running 1\n", "", 1)},
		{"missing procs_blocked", strings.Replace(procStat, "procs_blocked 0\n", "", 1)},
		{"malformed ctxt", strings.Replace(procStat, "ctxt 2238717", "ctxt -5", 1)},
		{"negative counter", strings.Replace(procStat, "cpu0 4713", "cpu0 -4713", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := procstat.Parse(tt.input)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, procstat.ErrInvalidData), err.Error())
			assert.Equal(t, procstat.Snapshot{}, snap, "no partial snapshot")
		})
	}
}

func TestParseReportsLine(t *testing.T) {
	input := strings.Replace(procStat, "cpu2 4966 1", "cpu2 4966 x", 1)
	_, err := procstat.Parse(input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 4")
	assert.Contains(t, err.Error(), "nice")
}

func TestParseReportsFieldReason(t *testing.T) {
	const original = "cpu  17501 2 6293 8212469 20141 1955 805 0 0"

	tests := []struct {
		name  string
		guest string
		want  string
	}{
		{"overflow", "99999999999999999999", "overflows uint64"},
		{"letter", "x", "expected a digit"},
		{"suffix", "7k", `trailing data "k"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := strings.TrimSuffix(original, "0") + tt.guest
			_, err := procstat.Parse(strings.Replace(procStat, original, line, 1))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, procstat.ErrInvalidData))
			assert.Contains(t, err.Error(), "line 1")
			assert.Contains(t, err.Error(), "cpu guest")
			assert.Contains(t, err.Error(), tt.want)
			assert.NotContains(t, err.Error(), "not a number")
		})
	}
}

func TestMarshalTextRoundTrip(t *testing.T) {
	snap, err := procstat.Parse(procStat)
	require.NoError(t, err)

	text, err := snap.MarshalText()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(text), "cpu  17501 2 6293 8212469 20141 1955 805 0 0\ncpu0 4713"))

	var decoded procstat.Snapshot
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, snap, decoded)
}
