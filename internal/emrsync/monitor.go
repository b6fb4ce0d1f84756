package emrsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/emrsync/internal/emr"
)

// Monitor interval bounds. Configured intervals outside this range are
// clamped.
const (
	minMonitorInterval = 5 * time.Second
	maxMonitorInterval = 30 * time.Second
)

// MetricsSource yields the rolling remote-call statistics the monitor
// classifies. *emr.CallMetrics satisfies it.
type MetricsSource interface {
	Snapshot() emr.Snapshot
}

// MonitorConfig tunes health classification thresholds.
type MonitorConfig struct {
	Interval time.Duration
	// LatencySoft is the average-latency threshold above which the
	// integration is degraded. Default 400ms.
	LatencySoft time.Duration
	// ErrorRateSoft marks degraded, ErrorRateHard marks critical.
	// Defaults 0.03 and 0.10.
	ErrorRateSoft float64
	ErrorRateHard float64
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Interval < minMonitorInterval {
		c.Interval = minMonitorInterval
	}
	if c.Interval > maxMonitorInterval {
		c.Interval = maxMonitorInterval
	}
	if c.LatencySoft <= 0 {
		c.LatencySoft = 400 * time.Millisecond
	}
	if c.ErrorRateSoft <= 0 {
		c.ErrorRateSoft = 0.03
	}
	if c.ErrorRateHard <= 0 {
		c.ErrorRateHard = 0.10
	}
	return c
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock injects the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithTickChannel replaces the internal ticker, letting tests drive the
// monitor deterministically.
func WithTickChannel(ticks <-chan time.Time) MonitorOption {
	return func(m *Monitor) { m.ticks = ticks }
}

// Monitor periodically samples the remote client's metrics window and
// classifies integration health. It runs independently of sync passes and
// never blocks them: it shares only read access to the metrics window.
type Monitor struct {
	source MetricsSource
	logger zerolog.Logger
	cfg    MonitorConfig
	now    func() time.Time
	ticks  <-chan time.Time

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	done      chan struct{}
	startedAt time.Time
	health    IntegrationHealth
}

// NewMonitor creates a stopped monitor.
func NewMonitor(source MetricsSource, logger zerolog.Logger, cfg MonitorConfig, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source: source,
		logger: logger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		health: IntegrationHealth{Overall: HealthHealthy, Issues: []string{}},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start transitions stopped to running and reports whether it did; starting
// a running monitor is a no-op. The first evaluation happens immediately,
// later ones on every tick.
func (m *Monitor) Start() bool {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return false
	}
	m.running = true
	m.startedAt = m.now()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.evaluate()
	go m.loop()
	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("health monitoring started")
	return true
}

// Stop transitions running to stopped and waits for the loop to exit.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	m.logger.Info().Msg("health monitoring stopped")
	return true
}

// Running reports the monitor state.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Health returns the latest snapshot. Valid whether or not the monitor is
// running; a never-started monitor reports healthy with no issues.
func (m *Monitor) Health() IntegrationHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.health
	out.Issues = append([]string(nil), m.health.Issues...)
	return out
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticks := m.ticks
	if ticks == nil {
		t := time.NewTicker(m.cfg.Interval)
		defer t.Stop()
		ticks = t.C
	}
	for {
		select {
		case <-m.stop:
			return
		case <-ticks:
			m.evaluate()
		}
	}
}

// evaluate recomputes IntegrationHealth from the current metrics window. The
// previous snapshot, including its issues, is replaced rather than merged.
func (m *Monitor) evaluate() {
	snap := m.source.Snapshot()
	now := m.now()

	issues := []string{}
	overall := HealthHealthy

	if snap.AvgLatency > m.cfg.LatencySoft {
		overall = HealthDegraded
		issues = append(issues, fmt.Sprintf("average response time %s exceeds %s", snap.AvgLatency, m.cfg.LatencySoft))
	}
	if snap.Calls > 0 && snap.ErrorRate > m.cfg.ErrorRateSoft {
		overall = HealthDegraded
		issues = append(issues, fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", snap.ErrorRate*100, m.cfg.ErrorRateSoft*100))
	}
	if snap.Calls > 0 && snap.ErrorRate > m.cfg.ErrorRateHard {
		overall = HealthCritical
		issues = append(issues, fmt.Sprintf("error rate %.1f%% exceeds hard limit %.1f%%", snap.ErrorRate*100, m.cfg.ErrorRateHard*100))
	}
	if snap.ConsecutiveAuthFailures >= 2 {
		overall = HealthCritical
		issues = append(issues, fmt.Sprintf("%d consecutive authentication failures", snap.ConsecutiveAuthFailures))
	}

	m.mu.Lock()
	var uptime time.Duration
	if !m.startedAt.IsZero() {
		uptime = now.Sub(m.startedAt)
	}
	m.health = IntegrationHealth{
		Overall:         overall,
		APIResponseTime: snap.AvgLatency,
		ErrorRate:       snap.ErrorRate,
		Uptime:          uptime,
		LastHealthCheck: now,
		Issues:          issues,
	}
	m.mu.Unlock()

	if overall != HealthHealthy {
		m.logger.Warn().
			Str("overall", string(overall)).
			Float64("error_rate", snap.ErrorRate).
			Dur("avg_latency", snap.AvgLatency).
			Strs("issues", issues).
			Msg("EMR integration health degraded")
	}
}
