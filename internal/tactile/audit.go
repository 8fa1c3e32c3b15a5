package tactile

import (
	"sync"
	"time"
)

// AuditLogger fans audit events out to callbacks and keeps running metrics.
type AuditLogger struct {
	mu        sync.RWMutex
	callbacks []func(AuditEvent)
	metrics   *ExecutionMetrics
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger() *AuditLogger {
	return &AuditLogger{
		callbacks: make([]func(AuditEvent), 0),
		metrics:   NewExecutionMetrics(),
	}
}

// AddCallback adds a callback function for audit events.
func (l *AuditLogger) AddCallback(callback func(AuditEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, callback)
}

// Log logs an audit event.
func (l *AuditLogger) Log(event AuditEvent) {
	l.mu.RLock()
	callbacks := l.callbacks
	metrics := l.metrics
	l.mu.RUnlock()

	metrics.RecordEvent(event)
	for _, cb := range callbacks {
		cb(event)
	}
}

// GetMetrics returns the current execution metrics.
func (l *AuditLogger) GetMetrics() ExecutionMetricsSnapshot {
	return l.metrics.Snapshot()
}

// ExecutionMetrics tracks execution statistics.
type ExecutionMetrics struct {
	mu sync.RWMutex

	totalExecutions    int64
	succeeded          int64
	nonZeroExits       int64
	killedExecutions   int64
	timedOut           int64
	spawnErrors        int64
	running            int64
	totalDurationMs    int64
	executionsByBinary map[string]int64

	lastEventTime time.Time
}

// NewExecutionMetrics creates a new metrics tracker.
func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{
		executionsByBinary: make(map[string]int64),
	}
}

// RecordEvent updates metrics based on an audit event.
func (m *ExecutionMetrics) RecordEvent(event AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastEventTime = event.Timestamp

	switch event.Type {
	case AuditEventStart:
		m.totalExecutions++
		m.running++
		m.executionsByBinary[event.Command.Binary]++

	case AuditEventComplete:
		m.running--
		if event.Result != nil {
			if event.Result.ExitCode == 0 {
				m.succeeded++
			} else {
				m.nonZeroExits++
			}
			m.totalDurationMs += event.Result.Duration.Milliseconds()
		}

	case AuditEventKilled:
		m.running--
		m.killedExecutions++
		if event.Result != nil {
			if event.Result.TimedOut {
				m.timedOut++
			}
			m.totalDurationMs += event.Result.Duration.Milliseconds()
		}

	case AuditEventError:
		m.running--
		m.spawnErrors++
	}
}

// ExecutionMetricsSnapshot is a point-in-time snapshot of metrics.
type ExecutionMetricsSnapshot struct {
	TotalExecutions    int64            `json:"total_executions"`
	Succeeded          int64            `json:"succeeded"`
	NonZeroExits       int64            `json:"non_zero_exits"`
	KilledExecutions   int64            `json:"killed_executions"`
	TimedOut           int64            `json:"timed_out"`
	SpawnErrors        int64            `json:"spawn_errors"`
	Running            int64            `json:"running"`
	TotalDurationMs    int64            `json:"total_duration_ms"`
	ExecutionsByBinary map[string]int64 `json:"executions_by_binary"`
	LastEventTime      time.Time        `json:"last_event_time"`
	AvgDurationMs      float64          `json:"avg_duration_ms"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *ExecutionMetrics) Snapshot() ExecutionMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byBinary := make(map[string]int64, len(m.executionsByBinary))
	for k, v := range m.executionsByBinary {
		byBinary[k] = v
	}

	avgDuration := float64(0)
	finished := m.succeeded + m.nonZeroExits + m.killedExecutions
	if finished > 0 {
		avgDuration = float64(m.totalDurationMs) / float64(finished)
	}

	return ExecutionMetricsSnapshot{
		TotalExecutions:    m.totalExecutions,
		Succeeded:          m.succeeded,
		NonZeroExits:       m.nonZeroExits,
		KilledExecutions:   m.killedExecutions,
		TimedOut:           m.timedOut,
		SpawnErrors:        m.spawnErrors,
		Running:            m.running,
		TotalDurationMs:    m.totalDurationMs,
		ExecutionsByBinary: byBinary,
		LastEventTime:      m.lastEventTime,
		AvgDurationMs:      avgDuration,
	}
}
