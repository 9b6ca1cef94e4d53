package broker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// PerformanceMetrics is a snapshot of runtime and throughput counters.
type PerformanceMetrics struct {
	MessagesReceived  int64     `json:"messages_received"`
	MessagesSent      int64     `json:"messages_sent"`
	MessagesPerSecond float64   `json:"messages_per_second"`
	Reconnects        int64     `json:"reconnects"`
	Goroutines        int       `json:"goroutines"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	CollectedAt       time.Time `json:"collected_at"`
}

// PerformanceMonitor samples system load and message throughput on an
// interval and logs the snapshot.
type PerformanceMonitor struct {
	mu               sync.RWMutex
	metrics          PerformanceMetrics
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	reconnects       atomic.Int64
	lastSample       time.Time
	lastReceived     int64
	interval         time.Duration
	logger           *logrus.Logger
}

// NewPerformanceMonitor creates a monitor sampling at interval.
func NewPerformanceMonitor(interval time.Duration, logger *logrus.Logger) *PerformanceMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PerformanceMonitor{
		interval:   interval,
		logger:     logger,
		lastSample: time.Now(),
	}
}

// MessageReceived records one inbound message.
func (pm *PerformanceMonitor) MessageReceived() { pm.messagesReceived.Add(1) }

// MessageSent records one outbound message.
func (pm *PerformanceMonitor) MessageSent() { pm.messagesSent.Add(1) }

// Reconnected records a reconnect cycle.
func (pm *PerformanceMonitor) Reconnected() { pm.reconnects.Add(1) }

// Start runs the sampling loop until ctx is cancelled.
func (pm *PerformanceMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.collect()
		}
	}
}

func (pm *PerformanceMonitor) collect() {
	now := time.Now()
	received := pm.messagesReceived.Load()

	pm.mu.Lock()
	elapsed := now.Sub(pm.lastSample).Seconds()
	if elapsed > 0 {
		pm.metrics.MessagesPerSecond = float64(received-pm.lastReceived) / elapsed
	}
	pm.lastSample = now
	pm.lastReceived = received

	pm.metrics.MessagesReceived = received
	pm.metrics.MessagesSent = pm.messagesSent.Load()
	pm.metrics.Reconnects = pm.reconnects.Load()
	pm.metrics.Goroutines = runtime.NumGoroutine()
	pm.metrics.CollectedAt = now

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		pm.metrics.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		pm.metrics.MemoryPercent = vm.UsedPercent
	}
	snapshot := pm.metrics
	pm.mu.Unlock()

	if pm.logger != nil {
		pm.logger.WithFields(logrus.Fields{
			"component":      "performance_monitor",
			"msgs_received":  snapshot.MessagesReceived,
			"msgs_sent":      snapshot.MessagesSent,
			"msgs_per_sec":   snapshot.MessagesPerSecond,
			"reconnects":     snapshot.Reconnects,
			"goroutines":     snapshot.Goroutines,
			"cpu_percent":    snapshot.CPUPercent,
			"memory_percent": snapshot.MemoryPercent,
		}).Debug("Performance snapshot")
	}
}

// Snapshot returns the latest collected metrics.
func (pm *PerformanceMonitor) Snapshot() PerformanceMetrics {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.metrics
}
