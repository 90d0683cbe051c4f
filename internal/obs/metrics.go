package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats for the
// message bus and the matching engine. All methods are safe on a nil
// receiver so components can run unmetered.
type Metrics struct {
	published     uint64
	delivered     uint64
	dropped       uint64
	handlerPanics uint64
	rejectedPubs  uint64

	ordersSent      uint64
	ordersFilled    uint64
	ordersCancelled uint64

	deliveryLatency LatencyStats
	matchLatency    LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Published     uint64
	Delivered     uint64
	Dropped       uint64
	HandlerPanics uint64
	RejectedPubs  uint64

	OrdersSent      uint64
	OrdersFilled    uint64
	OrdersCancelled uint64

	DeliveryLatency LatencySnapshot
	MatchLatency    LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncPublished records an accepted publish.
func (m *Metrics) IncPublished() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.published, 1)
}

// IncDelivered records a handler delivery.
func (m *Metrics) IncDelivered() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.delivered, 1)
}

// AddDropped records messages lost to a lagging subscriber cursor.
func (m *Metrics) AddDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	atomic.AddUint64(&m.dropped, n)
}

// IncHandlerPanic records a recovered subscriber panic.
func (m *Metrics) IncHandlerPanic() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.handlerPanics, 1)
}

// IncRejectedPub records a publish refused because the bus is disposed
// or the topic has no subscriber set.
func (m *Metrics) IncRejectedPub() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.rejectedPubs, 1)
}

// IncOrderSent records an accepted order request.
func (m *Metrics) IncOrderSent() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersSent, 1)
}

// IncOrderFilled records a fully executed order.
func (m *Metrics) IncOrderFilled() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersFilled, 1)
}

// IncOrderCancelled records a cancelled order.
func (m *Metrics) IncOrderCancelled() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersCancelled, 1)
}

// ObserveDelivery measures publish-to-handler latency.
func (m *Metrics) ObserveDelivery(d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryLatency.Observe(d)
}

// ObserveMatch measures book-update-to-fill latency.
func (m *Metrics) ObserveMatch(d time.Duration) {
	if m == nil {
		return
	}
	m.matchLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Published:       atomic.LoadUint64(&m.published),
		Delivered:       atomic.LoadUint64(&m.delivered),
		Dropped:         atomic.LoadUint64(&m.dropped),
		HandlerPanics:   atomic.LoadUint64(&m.handlerPanics),
		RejectedPubs:    atomic.LoadUint64(&m.rejectedPubs),
		OrdersSent:      atomic.LoadUint64(&m.ordersSent),
		OrdersFilled:    atomic.LoadUint64(&m.ordersFilled),
		OrdersCancelled: atomic.LoadUint64(&m.ordersCancelled),
		DeliveryLatency: m.deliveryLatency.Snapshot(),
		MatchLatency:    m.matchLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
