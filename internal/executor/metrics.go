package executor

import (
	"sync"
	"time"
)

// SchedulerMetrics tracks statistics about one Execute call.
type SchedulerMetrics struct {
	Dispatched         int
	Completed          int
	Failed             int
	DependencyFailures int
	Cycles             int
	Stalls             int
	Timeouts           int
	Cancellations      int
	Passes             int
	MaxInFlight        int
	TotalDuration      time.Duration
	LongestTaskTime    time.Duration
	ShortestTaskTime   time.Duration

	mu sync.Mutex
}

// Copy returns a snapshot without the mutex.
func (m *SchedulerMetrics) Copy() SchedulerMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return SchedulerMetrics{
		Dispatched:         m.Dispatched,
		Completed:          m.Completed,
		Failed:             m.Failed,
		DependencyFailures: m.DependencyFailures,
		Cycles:             m.Cycles,
		Stalls:             m.Stalls,
		Timeouts:           m.Timeouts,
		Cancellations:      m.Cancellations,
		Passes:             m.Passes,
		MaxInFlight:        m.MaxInFlight,
		TotalDuration:      m.TotalDuration,
		LongestTaskTime:    m.LongestTaskTime,
		ShortestTaskTime:   m.ShortestTaskTime,
	}
}

func (m *SchedulerMetrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dispatched, m.Completed, m.Failed = 0, 0, 0
	m.DependencyFailures, m.Cycles, m.Stalls, m.Timeouts, m.Cancellations = 0, 0, 0, 0, 0
	m.Passes, m.MaxInFlight = 0, 0
	m.TotalDuration, m.LongestTaskTime, m.ShortestTaskTime = 0, 0, 0
}

func (m *SchedulerMetrics) update(fn func(m *SchedulerMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// observeTask folds a finished task's run time into the min/max.
func (m *SchedulerMetrics) observeTask(d time.Duration) {
	if d <= 0 {
		return
	}
	m.update(func(m *SchedulerMetrics) {
		if d > m.LongestTaskTime {
			m.LongestTaskTime = d
		}
		if m.ShortestTaskTime == 0 || d < m.ShortestTaskTime {
			m.ShortestTaskTime = d
		}
	})
}
