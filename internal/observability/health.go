package observability

import (
	"context"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Health monitor — periodic dependency checks behind /health
// Store reachability and feed connectivity roll up into one system status.
// ---------------------------------------------------------------------------

// ComponentStatus is the health of a single dependency.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// checkTimeout bounds a single health probe so one hung dependency cannot
// stall the whole round.
const checkTimeout = 10 * time.Second

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the result of one probe.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ms"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth aggregates every component; the worst status wins.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime"`
}

// HealthAlert is emitted when a component changes status.
type HealthAlert struct {
	Level     string    `json:"level"` // info|warn|critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// HealthMonitor runs registered checks on an interval and on demand.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
	interval  time.Duration
	alertCh   chan HealthAlert
	stopCh    chan struct{}
	stopped   sync.Once
}

// NewHealthMonitor creates a monitor checking at the given interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
		interval:  interval,
		alertCh:   make(chan HealthAlert, 256),
		stopCh:    make(chan struct{}),
	}
}

// Register adds a named check. Call before Start.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start runs the periodic loop until ctx is cancelled or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runChecks(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Stop ends the periodic loop.
func (m *HealthMonitor) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
	})
}

// Check runs every check synchronously and returns the aggregate. The
// /health handler calls this directly so responses always reflect a fresh
// probe, not the last tick.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.snapshot()
}

// Alerts returns the status-transition channel. Alerts are dropped when
// nobody drains it.
func (m *HealthMonitor) Alerts() <-chan HealthAlert {
	return m.alertCh
}

// ComponentStatus returns the latest result for one component.
func (m *HealthMonitor) ComponentStatus(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	fresh := make(map[string]ComponentHealth, len(checks))
	for _, name := range sortedKeys(checks) {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		result := checks[name](checkCtx)
		cancel()

		result.Name = name
		result.Latency = time.Since(start)
		result.LastChecked = time.Now()
		fresh[name] = result
	}

	m.mu.Lock()
	previous := m.results
	m.results = fresh
	m.mu.Unlock()

	for name, cur := range fresh {
		prev, seen := previous[name]
		if !seen || prev.Status != cur.Status {
			m.emitAlert(name, cur)
		}
	}
}

func (m *HealthMonitor) emitAlert(name string, h ComponentHealth) {
	level := "info"
	switch h.Status {
	case StatusDegraded:
		level = "warn"
	case StatusUnhealthy:
		level = "critical"
	}

	msg := h.Message
	if msg == "" {
		msg = "status changed to " + string(h.Status)
	}

	select {
	case m.alertCh <- HealthAlert{
		Level:     level,
		Component: name,
		Message:   msg,
		Timestamp: time.Now(),
	}:
	default:
	}
}

func (m *HealthMonitor) snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if statusSeverity(h.Status) > statusSeverity(worst) {
			worst = h.Status
		}
	}

	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
	}
}

func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 0
	}
}
