package telemetry

import (
	"sync"
	"time"
)

// TicketSource reports how many admission tickets are still in flight
type TicketSource interface {
	PendingTickets() int
}

// WatcherSource reports live watchers grouped by state name
type WatcherSource interface {
	CountByState() map[string]int
}

// MetricsCollector periodically samples gauges that are cheaper to poll than to track inline
type MetricsCollector struct {
	tickets  TicketSource
	watchers WatcherSource
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// states seen in the previous round, so vanished states drop back to zero
	lastStates map[string]struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(tickets TicketSource, watchers WatcherSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		tickets:    tickets,
		watchers:   watchers,
		interval:   interval,
		stopCh:     make(chan struct{}),
		lastStates: make(map[string]struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.tickets != nil {
		TicketsPending.Set(float64(mc.tickets.PendingTickets()))
	}

	if mc.watchers == nil {
		return
	}

	counts := mc.watchers.CountByState()
	for state := range mc.lastStates {
		if _, ok := counts[state]; !ok {
			WatchersByState.With(state).Set(0)
		}
	}

	mc.lastStates = make(map[string]struct{}, len(counts))
	for state, n := range counts {
		WatchersByState.With(state).Set(float64(n))
		mc.lastStates[state] = struct{}{}
	}
}
