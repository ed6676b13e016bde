package protection

import (
	"fmt"
	"sync"
)

type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
)

// HealthStatus is what ConnectionMonitor derives from its counters.
type HealthStatus struct {
	Status      HealthLevel `json:"status"`
	Connections int         `json:"connections"`
	Requests    int64       `json:"requests"`
	Issues      []string    `json:"issues"`
}

// ConnectionMonitor only observes. Manager decides what to reject.
type ConnectionMonitor struct {
	mu              sync.RWMutex
	maxConnections  int
	connectionCount int
	requestCount    int64
}

func NewConnectionMonitor(maxConnections int) *ConnectionMonitor {
	if maxConnections <= 0 {
		maxConnections = 500
	}
	return &ConnectionMonitor{maxConnections: maxConnections}
}

func (m *ConnectionMonitor) UpdateConnectionCount(n int) {
	m.mu.Lock()
	m.connectionCount = n
	m.mu.Unlock()
}

func (m *ConnectionMonitor) IncrementRequestCount() {
	m.mu.Lock()
	m.requestCount++
	m.mu.Unlock()
}

func (m *ConnectionMonitor) IsOverloaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionCount > m.maxConnections
}

func (m *ConnectionMonitor) HealthStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hs := HealthStatus{
		Status:      HealthHealthy,
		Connections: m.connectionCount,
		Requests:    m.requestCount,
		Issues:      []string{},
	}

	switch {
	case m.connectionCount > m.maxConnections:
		hs.Status = HealthCritical
		hs.Issues = append(hs.Issues, fmt.Sprintf("connection limit exceeded: %d/%d", m.connectionCount, m.maxConnections))
	case float64(m.connectionCount) > 0.8*float64(m.maxConnections):
		hs.Status = HealthWarning
		hs.Issues = append(hs.Issues, fmt.Sprintf("high connection count: %d/%d", m.connectionCount, m.maxConnections))
	}
	return hs
}

func (m *ConnectionMonitor) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionCount
}

func (m *ConnectionMonitor) Requests() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}
