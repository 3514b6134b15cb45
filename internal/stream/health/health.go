// Package health exposes pipeline liveness to operators: the upstream
// connection state, plus a degraded signal when the source cannot
// reconnect or the backlog keeps failing.
package health

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chartwise/insight-stream/internal/stream/source"
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDegraded     Status = "degraded"
)

const (
	failureWindow    = time.Minute
	failureThreshold = 5
)

// SessionCounter reports the number of live delivery sessions.
type SessionCounter interface {
	Len() int
}

// SourceState is the slice of the change event source the monitor reads.
type SourceState interface {
	State() source.State
	LastSequence() uint64
}

// Monitor derives pipeline health. A reconnect outlasting grace, or
// repeated backlog failures inside the window, degrade the pipeline.
type Monitor struct {
	source   SourceState
	sessions SessionCounter
	grace    time.Duration

	mu            sync.Mutex
	lastConnected time.Time
	failures      []time.Time
}

func NewMonitor(src SourceState, sessions SessionCounter, reconnectGrace time.Duration) *Monitor {
	return &Monitor{
		source:        src,
		sessions:      sessions,
		grace:         reconnectGrace,
		lastConnected: time.Now(),
	}
}

// ReportBacklogFailure records a failed backlog operation (eviction or
// replay). Enough of them inside the window degrade the pipeline.
func (m *Monitor) ReportBacklogFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, time.Now())
	m.prune()
}

func (m *Monitor) prune() {
	cutoff := time.Now().Add(-failureWindow)
	keep := m.failures[:0]
	for _, at := range m.failures {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	m.failures = keep
}

// Status returns the current health and, when degraded, the reason.
func (m *Monitor) Status() (Status, string) {
	state := m.source.State()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()

	if len(m.failures) >= failureThreshold {
		return StatusDegraded, "sustained backlog failures"
	}
	switch state {
	case source.StateConnected:
		m.lastConnected = time.Now()
		return StatusConnected, ""
	case source.StateStopped:
		return StatusDegraded, "change event source stopped"
	default:
		if time.Since(m.lastConnected) > m.grace {
			return StatusDegraded, "upstream reconnect exceeded grace period"
		}
		return StatusReconnecting, ""
	}
}

// Handler serves GET /health. Degraded answers 503 so load balancers stop
// routing new connections here.
func (m *Monitor) Handler(c echo.Context) error {
	status, reason := m.Status()
	body := map[string]any{
		"status":        status,
		"sessions":      m.sessions.Len(),
		"last_sequence": m.source.LastSequence(),
	}
	if reason != "" {
		body["reason"] = reason
	}
	code := http.StatusOK
	if status == StatusDegraded {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, body)
}
