// Package health provides system health monitoring and status reporting.
package health

import (
	"context"
	"sort"
	"time"

	"github.com/vietddude/retrier/internal/infra/storage"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the result of checking one component.
type ComponentHealth struct {
	Name    string       `json:"name"`
	Status  SystemStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Latency string       `json:"latency"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus      `json:"system_status"`
	Components   []ComponentHealth `json:"components"`
}

// Monitor pings the registered components.
type Monitor struct {
	checks  map[string]storage.Pinger
	timeout time.Duration
}

// NewMonitor creates a Monitor. Each check gets timeout to answer.
func NewMonitor(timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Monitor{checks: make(map[string]storage.Pinger), timeout: timeout}
}

// Register adds a component. Not safe to call once the monitor is in use.
func (m *Monitor) Register(name string, p storage.Pinger) {
	m.checks[name] = p
}

// CheckHealth pings every component. The system is critical if any is.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{SystemStatus: StatusHealthy}

	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		err := m.checks[name].Ping(cctx)
		cancel()

		c := ComponentHealth{Name: name, Status: StatusHealthy, Latency: time.Since(start).String()}
		if err != nil {
			c.Status = StatusCritical
			c.Error = err.Error()
			report.SystemStatus = StatusCritical
		}
		report.Components = append(report.Components, c)
	}
	return report
}
