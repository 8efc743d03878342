package metrics

import (
	"runtime"
	"time"
)

// Sources supplies the values Collector polls on each tick. Every field is
// optional: a nil func is simply skipped. Keeping this as a bag of closures
// rather than concrete component types avoids the metrics package importing
// peer/worker/router/results, any of which may want to import metrics back
// to record counters inline.
type Sources struct {
	PeerCount       func() int
	PeerHealthCount func() map[string]int // health -> count
	QueueDepth      func() int
	WorkerBusy      func() int
	ResultStoreSize func() int
	UptimeSeconds   func() float64
}

// Collector periodically refreshes the gauge-shaped metrics that aren't
// naturally updated at the point of the event they describe (point-in-time
// table sizes, process stats), mirroring the teacher's periodic-tick
// collection pattern.
type Collector struct {
	sources Sources
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector drawing from src.
func NewCollector(src Sources) *Collector {
	return &Collector{
		sources: src,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting on a fixed interval, in its own goroutine.
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector. Safe to call once.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.sources.PeerCount != nil {
		PeersTotal.Set(float64(c.sources.PeerCount()))
	}
	if c.sources.PeerHealthCount != nil {
		for health, count := range c.sources.PeerHealthCount() {
			PeerHealthTotal.WithLabelValues(health).Set(float64(count))
		}
	}
	if c.sources.QueueDepth != nil {
		TaskQueueDepth.Set(float64(c.sources.QueueDepth()))
	}
	if c.sources.WorkerBusy != nil {
		WorkerBusyTotal.Set(float64(c.sources.WorkerBusy()))
	}
	if c.sources.ResultStoreSize != nil {
		ResultStoreSize.Set(float64(c.sources.ResultStoreSize()))
	}
	if c.sources.UptimeSeconds != nil {
		ProcessUptimeSeconds.Set(c.sources.UptimeSeconds())
	}

	c.collectProcessMetrics()
}

func (c *Collector) collectProcessMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	ProcessMemoryBytes.Set(float64(m.HeapAlloc))
	ProcessGoroutines.Set(float64(runtime.NumGoroutine()))
}
