// Package procstat parses the kernel CPU counter table (the /proc/stat
// layout) and computes checked differences between two samples of it.
package procstat

import (
	"slices"
	"strconv"
	"strings"

	"codeberg.org/mutker/cpumonitor/internal/errors"
)

const (
	cpuLabel = "cpu"

	keyContextSwitches = "ctxt"
	keyBootTime        = "btime"
	keyProcesses       = "processes"
	keyProcsRunning    = "procs_running"
	keyProcsBlocked    = "procs_blocked"
)

// Snapshot is one parsed sample of the counter table.
type Snapshot struct {
	// Aggregate is the system-wide "cpu" line.
	Aggregate CoreCounters
	// PerCore holds one entry per "cpuN" line, in kernel order.
	PerCore []CoreCounters
	// ContextSwitches since boot.
	ContextSwitches uint64
	// BootTime in seconds since the epoch.
	BootTime uint64
	// Processes and threads created since boot.
	Processes uint64
	// ProcsRunning is the number of runnable processes right now.
	ProcsRunning uint64
	// ProcsBlocked is the number of processes blocked on I/O right now.
	ProcsBlocked uint64
}

// Clone returns a copy of s that shares no memory with it.
func (s Snapshot) Clone() Snapshot {
	s.PerCore = slices.Clone(s.PerCore)
	return s
}

// NumCores returns the number of per-core entries.
func (s Snapshot) NumCores() int {
	return len(s.PerCore)
}

// Parse decodes a complete counter table. The first line must be the
// aggregate "cpu" line, followed by zero or more "cpuN" lines. The
// ctxt, btime, processes, procs_running and procs_blocked keys are looked
// up among the remaining lines; unrelated lines are skipped.
func Parse(raw string) (Snapshot, error) {
	lines := strings.Split(raw, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	var snap Snapshot

	aggregate, kind, err := parseCPULine(lines[0], 1)
	if err != nil {
		return Snapshot{}, err
	}
	if kind != aggregateLine {
		return Snapshot{}, invalidData(1, "expected aggregate %q line, got %q", cpuLabel, lines[0])
	}
	snap.Aggregate = aggregate

	next := 1
	for ; next < len(lines); next++ {
		counters, kind, err := parseCPULine(lines[next], next+1)
		if err != nil {
			return Snapshot{}, err
		}
		if kind == aggregateLine {
			return Snapshot{}, invalidData(next+1, "duplicate aggregate %q line", cpuLabel)
		}
		if kind != coreLine {
			break
		}
		snap.PerCore = append(snap.PerCore, counters)
	}

	keys := []struct {
		name string
		dst  *uint64
	}{
		{keyContextSwitches, &snap.ContextSwitches},
		{keyBootTime, &snap.BootTime},
		{keyProcesses, &snap.Processes},
		{keyProcsRunning, &snap.ProcsRunning},
		{keyProcsBlocked, &snap.ProcsBlocked},
	}
	found := make(map[string]bool, len(keys))

	for i := next; i < len(lines); i++ {
		fields := strings.Fields(lines[i])
		if len(fields) == 0 {
			continue
		}
		line := strings.TrimSpace(lines[i])

		for _, k := range keys {
			if fields[0] != k.name || found[k.name] {
				continue
			}
			v, err := ParseKey(k.name, line)
			if err != nil {
				return Snapshot{}, errors.New().Wrap(ErrInvalidData, err).
					WithData(lineIssue{Line: i + 1, Reason: "malformed " + k.name})
			}
			*k.dst = v
			found[k.name] = true
		}
	}

	for _, k := range keys {
		if !found[k.name] {
			return Snapshot{}, invalidData(0, "missing %q line", k.name)
		}
	}

	return snap, nil
}

type lineKind int

const (
	otherLine lineKind = iota
	aggregateLine
	coreLine
)

// parseCPULine classifies a line by its label and, for cpu lines, decodes
// the nine counters. A cpu-labelled line with bad fields is an error; any
// other line is reported as otherLine.
func parseCPULine(line string, lineNo int) (CoreCounters, lineKind, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return CoreCounters{}, otherLine, nil
	}

	var kind lineKind
	label := fields[0]
	switch {
	case label == cpuLabel:
		kind = aggregateLine
	case isCoreLabel(label):
		kind = coreLine
	default:
		return CoreCounters{}, otherLine, nil
	}

	if len(fields) < numFields+1 {
		return CoreCounters{}, kind, invalidData(lineNo, "%s has %d fields, want %d",
			label, len(fields)-1, numFields)
	}

	var v [numFields]uint64
	for i := range v {
		n, reason := parseField(fields[i+1])
		if reason != "" {
			return CoreCounters{}, kind, invalidData(lineNo, "%s %s: %s", label, fieldNames[i], reason)
		}
		v[i] = n
	}

	return fromValues(v), kind, nil
}

func isCoreLabel(label string) bool {
	digits, ok := strings.CutPrefix(label, cpuLabel)
	if !ok || digits == "" {
		return false
	}
	_, rest, err := ParseUint(digits)
	return err == nil && rest == ""
}

// UnmarshalText implements encoding.TextUnmarshaler using Parse.
func (s *Snapshot) UnmarshalText(text []byte) error {
	snap, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = snap
	return nil
}

// MarshalText renders the snapshot in the kernel table layout.
func (s Snapshot) MarshalText() ([]byte, error) {
	buf := make([]byte, 0, 128*(len(s.PerCore)+2))

	buf = appendCPULine(buf, cpuLabel+" ", s.Aggregate)
	for i, c := range s.PerCore {
		buf = appendCPULine(buf, cpuLabel+strconv.Itoa(i), c)
	}

	for _, kv := range []struct {
		key   string
		value uint64
	}{
		{keyContextSwitches, s.ContextSwitches},
		{keyBootTime, s.BootTime},
		{keyProcesses, s.Processes},
		{keyProcsRunning, s.ProcsRunning},
		{keyProcsBlocked, s.ProcsBlocked},
	} {
		buf = append(buf, kv.key...)
		buf = append(buf, ' ')
		buf = strconv.AppendUint(buf, kv.value, 10)
		buf = append(buf, '\n')
	}

	return buf, nil
}

func appendCPULine(buf []byte, label string, c CoreCounters) []byte {
	buf = append(buf, label...)
	for _, v := range c.values() {
		buf = append(buf, ' ')
		buf = strconv.AppendUint(buf, v, 10)
	}
	return append(buf, '\n')
}
