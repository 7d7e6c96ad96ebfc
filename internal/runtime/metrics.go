package runtime

import (
	"sort"
	"sync"
	"time"
)

const (
	// timingWindowSize bounds the rolling window of retained timings.
	timingWindowSize = 1000
	// slowThreshold marks a command as slow in the aggregate stats.
	slowThreshold = 50 * time.Millisecond
)

// CommandTiming is one recorded command execution. Queue time and execute
// time are tracked separately so slow calls are diagnosable: a large queue
// share means contention, a large execute share means the handler itself.
type CommandTiming struct {
	Command       string `json:"command"`
	QueueTimeMS   int64  `json:"queueTimeMs"`
	ExecuteTimeMS int64  `json:"executeTimeMs"`
	TotalTimeMS   int64  `json:"totalTimeMs"`
	Success       bool   `json:"success"`
}

// ModuleStats is the aggregate view of a module's command timings: totals
// since registration, percentiles over the rolling windows.
type ModuleStats struct {
	ModuleName       string `json:"moduleName"`
	TotalCommands    uint64 `json:"totalCommands"`
	AvgTimeMS        int64  `json:"avgTimeMs"`
	SlowCommandCount uint64 `json:"slowCommandCount"`
	P50MS            int64  `json:"p50Ms"`
	P95MS            int64  `json:"p95Ms"`
	P99MS            int64  `json:"p99Ms"`
}

// ModuleMetrics records per-command timings for one module in a rolling
// window of the last 1,000 executions per command name.
type ModuleMetrics struct {
	moduleName string

	mu           sync.Mutex
	timings      map[string][]CommandTiming
	totalCmds    uint64
	totalTimeMS  int64
	slowCommands uint64
}

// NewModuleMetrics creates a tracker for the named module.
func NewModuleMetrics(moduleName string) *ModuleMetrics {
	return &ModuleMetrics{
		moduleName: moduleName,
		timings:    map[string][]CommandTiming{},
	}
}

// CommandTracker captures the two timestamps needed to split queue wait
// from execution time. Obtain one right before dispatch and Finish it when
// the handler returns.
type CommandTracker struct {
	command   string
	queuedAt  time.Time
	startedAt time.Time
}

// StartCommand begins tracking a command that was enqueued at queuedAt.
func (m *ModuleMetrics) StartCommand(command string, queuedAt time.Time) CommandTracker {
	return CommandTracker{command: command, queuedAt: queuedAt, startedAt: time.Now()}
}

// Finish closes the tracker and returns the timing record.
func (t CommandTracker) Finish(success bool) CommandTiming {
	now := time.Now()
	total := now.Sub(t.queuedAt)
	execute := now.Sub(t.startedAt)
	queue := total - execute
	if queue < 0 {
		queue = 0
	}
	return CommandTiming{
		Command:       t.command,
		QueueTimeMS:   queue.Milliseconds(),
		ExecuteTimeMS: execute.Milliseconds(),
		TotalTimeMS:   total.Milliseconds(),
		Success:       success,
	}
}

// Record adds a completed timing to the rolling window.
func (m *ModuleMetrics) Record(timing CommandTiming) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalCmds++
	m.totalTimeMS += timing.TotalTimeMS
	if timing.TotalTimeMS > slowThreshold.Milliseconds() {
		m.slowCommands++
	}

	window := append(m.timings[timing.Command], timing)
	if len(window) > timingWindowSize {
		window = window[len(window)-timingWindowSize:]
	}
	m.timings[timing.Command] = window
}

// Stats reports the lifetime command count, mean and slow count, plus
// p50/p95/p99 of total time over the merged rolling windows.
func (m *ModuleMetrics) Stats() ModuleStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []int64
	for _, window := range m.timings {
		for _, t := range window {
			all = append(all, t.TotalTimeMS)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	var avg int64
	if m.totalCmds > 0 {
		avg = m.totalTimeMS / int64(m.totalCmds)
	}
	return ModuleStats{
		ModuleName:       m.moduleName,
		TotalCommands:    m.totalCmds,
		AvgTimeMS:        avg,
		SlowCommandCount: m.slowCommands,
		P50MS:            percentile(all, 50),
		P95MS:            percentile(all, 95),
		P99MS:            percentile(all, 99),
	}
}

// SlowCommands returns the retained timings above the slow threshold.
func (m *ModuleMetrics) SlowCommands() []CommandTiming {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CommandTiming
	for _, window := range m.timings {
		for _, t := range window {
			if t.TotalTimeMS > slowThreshold.Milliseconds() {
				out = append(out, t)
			}
		}
	}
	return out
}

func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
