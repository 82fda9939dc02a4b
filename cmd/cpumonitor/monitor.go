package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"codeberg.org/mutker/cpumonitor/internal/config"
	"codeberg.org/mutker/cpumonitor/internal/cpu"
	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/logger"
	"codeberg.org/mutker/cpumonitor/internal/metrics"
	"codeberg.org/mutker/cpumonitor/internal/source"
)

const (
	// Return to column one, print, clear to end of line
	lineStart = "\x1b[G"
	lineClear = "\x1b[K"
)

type monitor struct {
	sampler   *cpu.Sampler
	collector metrics.MetricsCollector
	out       io.Writer
	interval  time.Duration
	count     int
	perCore   bool
	isService bool
}

func newMonitor(
	cfg *config.Config, sampler *cpu.Sampler, collector metrics.MetricsCollector, out io.Writer, isService bool,
) *monitor {
	return &monitor{
		sampler:   sampler,
		collector: collector,
		out:       out,
		interval:  cfg.Interval,
		count:     cfg.Count,
		perCore:   cfg.PerCore,
		isService: isService,
	}
}

// run reports usage every interval until ctx is done or count reports
// have been made. Each reading becomes the baseline for the next one.
// Until a first reading succeeds there is no baseline, and each tick
// retries it instead of reporting.
func (m *monitor) run(ctx context.Context, updates <-chan *config.Config) error {
	errFactory := errors.New()

	baseline, err := m.sample(ctx)
	if err != nil {
		return errFactory.Wrap(errors.ErrSampleCPU, err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if !m.isService {
		defer fmt.Fprintln(m.out)
	}

	reports := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case next := <-updates:
			m.apply(next, ticker)
		case <-ticker.C:
			current, err := m.sample(ctx)
			if err != nil {
				return errFactory.Wrap(errors.ErrSampleCPU, err)
			}
			if current == nil {
				continue
			}
			if baseline == nil {
				baseline = current
				continue
			}

			interval, err := current.Sub(*baseline)
			if err != nil {
				return errFactory.Wrap(errors.ErrReportCPU, err)
			}
			baseline = current

			if err := m.report(interval); err != nil {
				return errFactory.Wrap(errors.ErrReportCPU, err)
			}

			if err := m.collector.Record(ctx, metrics.NewSample(*current, interval)); err != nil {
				logger.Warn().Err(err).Msg("Failed to record metrics")
			}

			reports++
			if m.count > 0 && reports >= m.count {
				return nil
			}
		}
	}
}

// sample reads the counters once. A nil instant with a nil error means
// the read failed in a way worth retrying on the next tick, or ctx ended;
// run tells the two apart through ctx.
func (m *monitor) sample(ctx context.Context) (*cpu.Instant, error) {
	instant, err := m.sampler.Now(ctx)
	switch {
	case err == nil:
		return &instant, nil
	case ctx.Err() != nil:
		return nil, nil
	case isTransient(err):
		logger.Warn().Err(err).Msg("Failed to read CPU counters, retrying next interval")
		return nil, nil
	}
	return nil, err
}

func (m *monitor) apply(next *config.Config, ticker *time.Ticker) {
	if err := logger.SetLevel(next.LogLevel); err != nil {
		logger.Warn().Err(err).Msg("Keeping previous log level")
	}

	if next.Interval != m.interval {
		m.interval = next.Interval
		ticker.Reset(m.interval)
	}
	m.perCore = next.PerCore

	logger.Info().
		Dur("interval", m.interval).
		Bool("per_core", m.perCore).
		Str("log_level", next.LogLevel).
		Msg("Applied configuration change")
}

func (m *monitor) report(interval cpu.Interval) error {
	if m.isService {
		m.log(interval)
		return nil
	}

	_, err := io.WriteString(m.out, formatUsage(interval, m.perCore))
	return err
}

func (m *monitor) log(interval cpu.Interval) {
	delta := interval.Delta()
	event := logger.Info().
		Dur("interval", interval.Duration()).
		Uint64("context_switches", delta.ContextSwitches).
		Uint64("processes", delta.Processes).
		Int64("procs_running", delta.ProcsRunning).
		Int64("procs_blocked", delta.ProcsBlocked)

	if !interval.HasData() {
		event.Msg("No CPU ticks elapsed")
		return
	}

	event.Float64("usage", percent(interval.NonIdle()))
	if m.perCore {
		cores := make([]float64, interval.NumCores())
		for i := range cores {
			cores[i] = percent(interval.CoreNonIdle(i))
		}
		event.Floats64("cores", cores)
	}
	event.Msg("CPU usage")
}

// formatUsage renders one status line that overwrites the previous one.
func formatUsage(interval cpu.Interval, perCore bool) string {
	var b strings.Builder

	b.WriteString(lineStart)
	b.WriteString("Usage: ")
	b.WriteString(formatPercent(interval.NonIdle()))

	if perCore {
		for i := 0; i < interval.NumCores(); i++ {
			fmt.Fprintf(&b, "  cpu%d: %s", i, formatPercent(interval.CoreNonIdle(i)))
		}
	}

	b.WriteString(lineClear)
	return b.String()
}

func formatPercent(ratio float64) string {
	if math.IsNaN(ratio) {
		return "-%"
	}
	return fmt.Sprintf("%.0f%%", percent(ratio))
}

func percent(ratio float64) float64 {
	return ratio * 100
}

// isTransient reports whether err came from acquiring the table rather
// than from its contents.
func isTransient(err error) bool {
	return errors.HasCode(err, source.ErrReadFailed) ||
		errors.HasCode(err, source.ErrConnectFailed) ||
		errors.HasCode(err, source.ErrTimeout)
}
