package bus

import (
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dynami/internal/obs"
)

// poolBus fans deliveries out to a fixed set of worker goroutines.
// A topic always hashes to the same worker shard, so a subscriber
// observes one topic's messages in publish order. The last flag is
// derived from a global publish sequence: a delivery is stale when a
// newer message for the subscription already went through.
type poolBus struct {
	cfg     Config
	metrics *obs.Metrics

	mu        sync.RWMutex
	subs      map[string][]*Subscription
	wildcards map[string][]*Subscription

	// closeMu orders shard sends against Dispose closing the shard
	// channels.
	closeMu   sync.RWMutex
	shards    []chan poolTask
	seq       atomic.Uint64
	disposed  atomic.Bool
	forceSync atomic.Bool
	wg        sync.WaitGroup
}

type poolTask struct {
	topic string
	sub   *Subscription
	msg   Message
	seq   uint64
}

func newPoolBus(cfg Config, metrics *obs.Metrics) *poolBus {
	b := &poolBus{
		cfg:       cfg,
		metrics:   metrics,
		subs:      make(map[string][]*Subscription),
		wildcards: make(map[string][]*Subscription),
		shards:    make([]chan poolTask, cfg.Workers),
	}
	b.forceSync.Store(cfg.ForceSync)
	for i := range b.shards {
		b.shards[i] = make(chan poolTask, cfg.QueueSize)
		b.wg.Add(1)
		go b.worker(b.shards[i])
	}
	return b
}

func (b *poolBus) worker(tasks chan poolTask) {
	defer b.wg.Done()
	for task := range tasks {
		last := task.sub.lastSeen.Swap(task.seq) < task.seq
		deliver(b, b.metrics, task.topic, task.sub, last, task.msg)
	}
}

func (b *poolBus) shard(topic string) chan poolTask {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

func (b *poolBus) Subscribe(topic string, h Handler) *Subscription {
	sub := &Subscription{topic: topic, handler: h}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prefix, ok := splitWildcard(topic); ok {
		sub.prefix = prefix
		b.wildcards[prefix] = append(b.wildcards[prefix], sub)
	} else {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	return sub
}

func (b *poolBus) Unsubscribe(topic string, sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.wildcard() {
		b.wildcards[sub.prefix] = remove(b.wildcards[sub.prefix], sub)
		return
	}
	b.subs[topic] = remove(b.subs[topic], sub)
}

func remove(subs []*Subscription, sub *Subscription) []*Subscription {
	for i, s := range subs {
		if s == sub {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func (b *poolBus) UnsubscribeAll(topic string) {
	b.mu.Lock()
	delete(b.subs, topic)
	b.mu.Unlock()
}

func (b *poolBus) RemoveTopic(topic string) {
	b.UnsubscribeAll(topic)
}

func (b *poolBus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subs))
	for name := range b.subs {
		names = append(names, name)
	}
	return names
}

// receivers returns the exact and wildcard subscriptions for a topic.
func (b *poolBus) receivers(topic string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := append([]*Subscription(nil), b.subs[topic]...)
	for prefix, subs := range b.wildcards {
		if strings.HasPrefix(topic, prefix) {
			out = append(out, subs...)
		}
	}
	return out
}

func (b *poolBus) PublishAsync(topic string, msg Message) bool {
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

	rcvrs := b.receivers(topic)
	if len(rcvrs) == 0 {
		b.metrics.IncRejectedPub()
		return false
	}
	b.metrics.IncPublished()

	seq := b.seq.Add(1)
	shard := b.shard(topic)
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.disposed.Load() {
		return false
	}
	for _, sub := range rcvrs {
		select {
		case shard <- poolTask{topic: topic, sub: sub, msg: msg, seq: seq}:
		default:
			b.metrics.AddDropped(1)
		}
	}
	return true
}

func (b *poolBus) PublishSync(topic string, msg Message) bool {
	if b.disposed.Load() {
		b.metrics.IncRejectedPub()
		return false
	}
	if msg.Time == 0 {
		msg.Time = time.Now().UnixNano()
	}

	rcvrs := b.receivers(topic)
	if len(rcvrs) == 0 {
		b.metrics.IncRejectedPub()
		return false
	}
	b.metrics.IncPublished()

	seq := b.seq.Add(1)
	for _, sub := range rcvrs {
		sub.lastSeen.Store(seq)
		deliver(b, b.metrics, topic, sub, true, msg)
	}
	return true
}

func (b *poolBus) SetForceSync(force bool) {
	b.forceSync.Store(force)
}

func (b *poolBus) Dispose() {
	if !b.disposed.CompareAndSwap(false, true) {
		return
	}
	b.closeMu.Lock()
	for _, shard := range b.shards {
		close(shard)
	}
	b.closeMu.Unlock()
	b.wg.Wait()
}
