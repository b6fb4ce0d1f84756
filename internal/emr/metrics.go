package emr

import (
	"sync"
	"time"
)

// defaultWindowSize bounds the number of call samples kept for health
// derivation. Old samples are overwritten ring-buffer style.
const defaultWindowSize = 256

type callSample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// CallMetrics is a bounded rolling window of remote-call outcomes. Every
// client call records into it; the health monitor reads snapshots. Safe for
// concurrent use.
type CallMetrics struct {
	mu sync.Mutex

	samples []callSample
	next    int
	filled  bool

	consecutiveAuthFailures int
	lastCall                time.Time
}

// NewCallMetrics creates a metrics window holding up to size samples.
// size <= 0 selects the default.
func NewCallMetrics(size int) *CallMetrics {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &CallMetrics{samples: make([]callSample, size)}
}

// Record adds one call outcome to the window.
func (m *CallMetrics) Record(latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[m.next] = callSample{at: time.Now(), latency: latency, failed: failed}
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.filled = true
	}
	m.lastCall = time.Now()
}

// RecordAuthFailure notes a failed authentication attempt. Consecutive
// failures drive the monitor's critical classification.
func (m *CallMetrics) RecordAuthFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveAuthFailures++
}

// RecordAuthSuccess resets the consecutive auth-failure counter.
func (m *CallMetrics) RecordAuthSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveAuthFailures = 0
}

// Snapshot summarises the current window.
type Snapshot struct {
	Calls                   int           `json:"calls"`
	Errors                  int           `json:"errors"`
	ErrorRate               float64       `json:"error_rate"`
	AvgLatency              time.Duration `json:"avg_latency_ns"`
	MaxLatency              time.Duration `json:"max_latency_ns"`
	ConsecutiveAuthFailures int           `json:"consecutive_auth_failures"`
	LastCall                time.Time     `json:"last_call"`
}

// Snapshot computes aggregate statistics over the samples currently in the
// window.
func (m *CallMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.filled {
		n = len(m.samples)
	}

	snap := Snapshot{
		Calls:                   n,
		ConsecutiveAuthFailures: m.consecutiveAuthFailures,
		LastCall:                m.lastCall,
	}
	if n == 0 {
		return snap
	}

	var total time.Duration
	for i := 0; i < n; i++ {
		s := m.samples[i]
		total += s.latency
		if s.latency > snap.MaxLatency {
			snap.MaxLatency = s.latency
		}
		if s.failed {
			snap.Errors++
		}
	}
	snap.AvgLatency = total / time.Duration(n)
	snap.ErrorRate = float64(snap.Errors) / float64(n)
	return snap
}
