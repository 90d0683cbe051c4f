package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dynami/internal/obs"
)

// ringBus buffers async messages in per-topic ring buffers. Every
// subscriber owns a cursor into the ring; a single delivery goroutine
// sweeps topics when woken and advances cursors, so each subscriber
// sees every topic's messages in publish order without duplicates.
// Publishers never block; a subscriber lagging more than the ring size
// has its cursor snapped forward and the overwritten messages counted
// as dropped.
type ringBus struct {
	cfg     Config
	metrics *obs.Metrics

	mu        sync.RWMutex
	topics    map[string]*topicRing
	wildcards map[string][]*Subscription

	notify    chan struct{}
	done      chan struct{}
	disposed  atomic.Bool
	forceSync atomic.Bool
	wg        sync.WaitGroup
}

type topicRing struct {
	mu   sync.Mutex
	name string
	buf  []Message
	head uint64
	subs []*ringCursor
}

// ringCursor attaches one subscription to one topic ring. The cursor
// is initialized under the ring lock and afterwards touched only by
// the delivery goroutine.
type ringCursor struct {
	sub    *Subscription
	cursor uint64
}

func newRingBus(cfg Config, metrics *obs.Metrics) *ringBus {
	b := &ringBus{
		cfg:       cfg,
		metrics:   metrics,
		topics:    make(map[string]*topicRing),
		wildcards: make(map[string][]*Subscription),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	b.forceSync.Store(cfg.ForceSync)
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *ringBus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			// drain what is already buffered before exiting
			for b.sweep() {
			}
			return
		case <-b.notify:
			for b.sweep() {
			}
		}
	}
}

func (b *ringBus) sweep() bool {
	b.mu.RLock()
	rings := make([]*topicRing, 0, len(b.topics))
	for _, r := range b.topics {
		rings = append(rings, r)
	}
	b.mu.RUnlock()

	progressed := false
	for _, r := range rings {
		if b.sweepRing(r) {
			progressed = true
		}
	}
	return progressed
}

func (b *ringBus) sweepRing(r *topicRing) bool {
	size := uint64(len(r.buf))
	r.mu.Lock()
	subs := append([]*ringCursor(nil), r.subs...)
	r.mu.Unlock()

	progressed := false
	for _, c := range subs {
		r.mu.Lock()
		head := r.head
		if c.cursor >= head {
			r.mu.Unlock()
			continue
		}
		if head-c.cursor > size {
			b.metrics.AddDropped(head - c.cursor - size)
			c.cursor = head - size
		}
		start := c.cursor
		msgs := make([]Message, 0, head-start)
		for seq := start; seq < head; seq++ {
			msgs = append(msgs, r.buf[seq%size])
		}
		c.cursor = head
		r.mu.Unlock()

		for i, m := range msgs {
			last := start+uint64(i) == head-1
			deliver(b, b.metrics, r.name, c.sub, last, m)
		}
		progressed = true
	}
	return progressed
}

func (b *ringBus) Subscribe(topic string, h Handler) *Subscription {
	sub := &Subscription{topic: topic, handler: h}
	if prefix, ok := splitWildcard(topic); ok {
		sub.prefix = prefix
		b.mu.Lock()
		b.wildcards[prefix] = append(b.wildcards[prefix], sub)
		for name, r := range b.topics {
			if strings.HasPrefix(name, prefix) {
				r.attach(sub)
			}
		}
		b.mu.Unlock()
		return sub
	}

	b.mu.Lock()
	r, ok := b.topics[topic]
	if !ok {
		r = b.newRingLocked(topic)
	}
	b.mu.Unlock()
	r.attach(sub)
	return sub
}

// newRingLocked creates a topic ring and attaches every matching
// wildcard subscription. Caller holds b.mu.
func (b *ringBus) newRingLocked(topic string) *topicRing {
	r := &topicRing{name: topic, buf: make([]Message, b.cfg.RingSize)}
	for prefix, subs := range b.wildcards {
		if strings.HasPrefix(topic, prefix) {
			for _, sub := range subs {
				r.attach(sub)
			}
		}
	}
	b.topics[topic] = r
	return r
}

func (r *topicRing) attach(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.subs {
		if c.sub == sub {
			return
		}
	}
	r.subs = append(r.subs, &ringCursor{sub: sub, cursor: r.head})
}

func (r *topicRing) detach(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.subs {
		if c.sub == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

func (b *ringBus) Unsubscribe(topic string, sub *Subscription) {
	if sub == nil {
		return
	}
	if sub.wildcard() {
		b.mu.Lock()
		subs := b.wildcards[sub.prefix]
		for i, s := range subs {
			if s == sub {
				b.wildcards[sub.prefix] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		rings := make([]*topicRing, 0, len(b.topics))
		for name, r := range b.topics {
			if strings.HasPrefix(name, sub.prefix) {
				rings = append(rings, r)
			}
		}
		b.mu.Unlock()
		for _, r := range rings {
			r.detach(sub)
		}
		return
	}

	b.mu.RLock()
	r := b.topics[topic]
	b.mu.RUnlock()
	if r != nil {
		r.detach(sub)
	}
}

func (b *ringBus) UnsubscribeAll(topic string) {
	b.mu.RLock()
	r := b.topics[topic]
	b.mu.RUnlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	r.subs = nil
	r.mu.Unlock()
}

func (b *ringBus) RemoveTopic(topic string) {
	b.mu.Lock()
	delete(b.topics, topic)
	b.mu.Unlock()
}

func (b *ringBus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names
}

// ring returns the topic ring, creating it on demand when a wildcard
// subscription matches the topic. Returns nil when nobody could
// possibly receive the message.
func (b *ringBus) ring(topic string) *topicRing {
	b.mu.RLock()
	r := b.topics[topic]
	b.mu.RUnlock()
	if r != nil {
		return r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if r = b.topics[topic]; r != nil {
		return r
	}
	for prefix := range b.wildcards {
		if strings.HasPrefix(topic, prefix) && len(b.wildcards[prefix]) > 0 {
			return b.newRingLocked(topic)
		}
	}
	return nil
}

func (b *ringBus) PublishAsync(topic string, msg Message) bool {
	if b.disposed.Load() {
		b.metrics.IncRejectedPub()
		return false
	}
	if b.forceSync.Load() {
		return b.PublishSync(topic, msg)
	}
	if msg.Time == 0 {
		msg.Time = time.Now().UnixNano()
	}

	r := b.ring(topic)
	if r == nil {
		b.metrics.IncRejectedPub()
		return false
	}
	r.mu.Lock()
	r.buf[r.head%uint64(len(r.buf))] = msg
	r.head++
	r.mu.Unlock()
	b.metrics.IncPublished()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

func (b *ringBus) PublishSync(topic string, msg Message) bool {
	if b.disposed.Load() {
		b.metrics.IncRejectedPub()
		return false
	}
	if msg.Time == 0 {
		msg.Time = time.Now().UnixNano()
	}

	b.mu.RLock()
	r := b.topics[topic]
	var extra []*Subscription
	if r == nil {
		for prefix, subs := range b.wildcards {
			if strings.HasPrefix(topic, prefix) {
				extra = append(extra, subs...)
			}
		}
	}
	b.mu.RUnlock()

	if r == nil && len(extra) == 0 {
		b.metrics.IncRejectedPub()
		return false
	}
	b.metrics.IncPublished()

	if r != nil {
		r.mu.Lock()
		subs := append([]*ringCursor(nil), r.subs...)
		r.mu.Unlock()
		for _, c := range subs {
			deliver(b, b.metrics, topic, c.sub, true, msg)
		}
	}
	for _, sub := range extra {
		deliver(b, b.metrics, topic, sub, true, msg)
	}
	return true
}

func (b *ringBus) SetForceSync(force bool) {
	b.forceSync.Store(force)
}

func (b *ringBus) Dispose() {
	if !b.disposed.CompareAndSwap(false, true) {
		return
	}
	close(b.done)
	b.wg.Wait()
}
