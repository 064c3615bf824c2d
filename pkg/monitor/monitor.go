package monitor

import (
	"sync"
	"time"

	"github.com/lieyan666/FireProxy/pkg/logger"
	"github.com/lieyan666/FireProxy/pkg/stats"
	"github.com/lieyan666/FireProxy/pkg/storage"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Monitor periodically aggregates per-forwarder snapshots with system
// load, logs the result and optionally persists the samples. It only
// reads the registry, never the data path.
type Monitor struct {
	registry *stats.Registry
	store    storage.Store
	interval time.Duration
	log      *logger.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor; store may be nil to disable persistence
func NewMonitor(registry *stats.Registry, store storage.Store, interval time.Duration, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Monitor{
		registry: registry,
		store:    store,
		interval: interval,
		log:      log,
		stopped:  make(chan struct{}),
	}
}

// Start launches the aggregation loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopped:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick samples system load and every forwarder, logs an aggregate line
// and persists the snapshots when a store is configured.
func (m *Monitor) tick() {
	now := time.Now()
	snapshots := m.registry.Snapshots()

	var totalConns, messages, errors uint64
	var activeConns, activeClients int64
	for _, snap := range snapshots {
		totalConns += snap.TotalConnections
		messages += snap.MessagesForwarded
		errors += snap.Errors
		activeConns += snap.ActiveConnections
		activeClients += snap.ActiveClients
	}

	attrs := []any{
		"forwarders", len(snapshots),
		"totalConnections", totalConns,
		"activeConnections", activeConns,
		"messagesForwarded", messages,
		"activeClients", activeClients,
		"errors", errors,
	}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		attrs = append(attrs, "cpuPercent", cpuPercent[0])
	}
	if memStats, err := mem.VirtualMemory(); err == nil && memStats != nil {
		attrs = append(attrs, "memPercent", memStats.UsedPercent)
	}

	m.log.InfoWith("performance snapshot", attrs...)

	if m.store == nil {
		return
	}
	for id, snap := range snapshots {
		sample := storage.Sample{ProxyID: id, TakenAt: now, Snapshot: snap}
		if err := m.store.SaveSample(sample); err != nil {
			m.log.WarnWith("failed to persist stats sample", "proxyID", id, "error", err)
		}
	}
}

// Stop halts the loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
	})
	m.wg.Wait()
}
