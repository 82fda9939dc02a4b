//go:build windows

package source

import (
	"context"
	"time"
	"unsafe"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/procstat"
	"golang.org/x/sys/windows"
)

const (
	systemProcessorPerformanceInformation = 8

	// FILETIME counts 100ns units; scale to 10ms ticks to match USER_HZ.
	filetimePerTick = 100000
)

// processorPerformance mirrors SYSTEM_PROCESSOR_PERFORMANCE_INFORMATION.
type processorPerformance struct {
	IdleTime       int64
	KernelTime     int64
	UserTime       int64
	DpcTime        int64
	InterruptTime  int64
	InterruptCount uint32
}

var procNtQuerySystemInformationEx = windows.NewLazySystemDLL("ntdll.dll").NewProc("NtQuerySystemInformationEx")

// Native reads per-processor times from NtQuerySystemInformationEx, one
// processor group at a time, and renders them in the kernel table layout.
// Windows has no cheap equivalent of ctxt, processes or the run queue
// gauges, so those are reported as 0.
type Native struct{}

func newNative() (Source, error) {
	if err := procNtQuerySystemInformationEx.Find(); err != nil {
		return nil, errors.New().Wrap(ErrUnsupported, err).WithData("NtQuerySystemInformationEx")
	}
	return &Native{}, nil
}

func (*Native) Name() string {
	return "native:windows"
}

func (*Native) Read(ctx context.Context) (string, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return "", errFactory.Wrap(ErrReadFailed, err)
	}

	// The count is taken on every read since processors can be added
	// while running.
	total := windows.GetActiveProcessorCount(windows.ALL_PROCESSOR_GROUPS)
	perf := make([]processorPerformance, 0, total)
	for group := uint16(0); group < windows.ALL_PROCESSOR_GROUPS && uint32(len(perf)) < total; group++ {
		count := windows.GetActiveProcessorCount(group)
		if count == 0 {
			continue
		}
		entries, err := queryGroup(group, count)
		if err != nil {
			return "", errFactory.Wrap(ErrReadFailed, err).WithData("NtQuerySystemInformationEx")
		}
		perf = append(perf, entries...)
	}
	if len(perf) == 0 {
		return "", errFactory.WithMessage(ErrReadFailed, "no active processors reported")
	}

	uptime := windows.DurationSinceBoot()
	snap := procstat.Snapshot{
		BootTime: uint64(time.Now().Add(-uptime).Unix()),
		PerCore:  make([]procstat.CoreCounters, 0, len(perf)),
	}

	for _, p := range perf {
		core := toCounters(p)
		snap.PerCore = append(snap.PerCore, core)
		snap.Aggregate = addCounters(snap.Aggregate, core)
	}

	text, err := snap.MarshalText()
	if err != nil {
		return "", errFactory.Wrap(ErrReadFailed, err)
	}

	return string(text), nil
}

func (*Native) Close() error {
	return nil
}

// queryGroup returns the times of the processors in group. A buffer that
// turns out too small is grown to the length the kernel asks for.
func queryGroup(group uint16, count uint32) ([]processorPerformance, error) {
	size := uint32(unsafe.Sizeof(processorPerformance{}))

	for attempt := 0; ; attempt++ {
		buf := make([]processorPerformance, count)
		var retLen uint32
		r0, _, _ := procNtQuerySystemInformationEx.Call(
			systemProcessorPerformanceInformation,
			uintptr(unsafe.Pointer(&group)),
			unsafe.Sizeof(group),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(size*count),
			uintptr(unsafe.Pointer(&retLen)),
		)

		switch status := windows.NTStatus(r0); {
		case status == windows.STATUS_SUCCESS:
			return buf[:retLen/size], nil
		case status == windows.STATUS_INFO_LENGTH_MISMATCH && attempt == 0 && retLen/size > count:
			count = retLen / size
		default:
			return nil, status
		}
	}
}

// toCounters maps processor times onto the kernel buckets. KernelTime
// includes idle, DPC and interrupt time.
func toCounters(p processorPerformance) procstat.CoreCounters {
	system := p.KernelTime - p.IdleTime - p.DpcTime - p.InterruptTime
	if system < 0 {
		system = 0
	}

	return procstat.CoreCounters{
		User:    ticks(p.UserTime),
		System:  ticks(system),
		Idle:    ticks(p.IdleTime),
		IRQ:     ticks(p.InterruptTime),
		SoftIRQ: ticks(p.DpcTime),
	}
}

func ticks(filetime int64) uint64 {
	if filetime <= 0 {
		return 0
	}
	return uint64(filetime) / filetimePerTick
}

func addCounters(a, b procstat.CoreCounters) procstat.CoreCounters {
	return procstat.CoreCounters{
		User:    a.User + b.User,
		Nice:    a.Nice + b.Nice,
		System:  a.System + b.System,
		Idle:    a.Idle + b.Idle,
		IOWait:  a.IOWait + b.IOWait,
		IRQ:     a.IRQ + b.IRQ,
		SoftIRQ: a.SoftIRQ + b.SoftIRQ,
		Steal:   a.Steal + b.Steal,
		Guest:   a.Guest + b.Guest,
	}
}
