package bus

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"dynami/internal/obs"
	"dynami/internal/schema"
)

var (
	ErrDisposed       = errors.New("bus disposed")
	ErrUnknownBackend = errors.New("unknown bus backend")
)

// Backend names accepted by New.
const (
	BackendRing = "ring"
	BackendPool = "pool"
)

// Message is the envelope delivered to subscribers.
type Message struct {
	Time    int64
	Payload any
}

// Handler consumes messages for a topic. last reports whether the
// message was the newest available for the topic at delivery time, so
// handlers can skip work on stale backlog.
type Handler func(last bool, msg Message)

// Subscription identifies one registered handler. The zero value is
// not usable; Subscribe returns live subscriptions.
type Subscription struct {
	topic    string
	prefix   string // non-empty for wildcard subscriptions
	handler  Handler
	lastSeen atomic.Uint64
}

// Topic returns the topic pattern the subscription was created with.
func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) wildcard() bool { return s.prefix != "" }

// Bus is a topic based publish/subscribe broker. A topic name ending
// in the wildcard marker subscribes to every topic sharing the prefix.
type Bus interface {
	Subscribe(topic string, h Handler) *Subscription
	Unsubscribe(topic string, sub *Subscription)
	UnsubscribeAll(topic string)
	RemoveTopic(topic string)
	PublishAsync(topic string, msg Message) bool
	PublishSync(topic string, msg Message) bool
	SetForceSync(force bool)
	Topics() []string
	Dispose()
}

// Config selects and sizes a bus backend.
type Config struct {
	Backend   string
	RingSize  int
	Workers   int
	QueueSize int
	ForceSync bool
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendRing
	}
	if c.RingSize <= 0 {
		c.RingSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// New builds the configured backend.
func New(cfg Config, metrics *obs.Metrics) (Bus, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case BackendRing:
		return newRingBus(cfg, metrics), nil
	case BackendPool:
		return newPoolBus(cfg, metrics), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// splitWildcard returns the prefix of a wildcard topic pattern, or
// ("", false) for an exact topic.
func splitWildcard(topic string) (string, bool) {
	if strings.HasSuffix(topic, schema.Wildcard) {
		return strings.TrimSuffix(topic, schema.Wildcard), true
	}
	return "", false
}

// deliver invokes a handler, isolating panics. A panicking subscriber
// is reported on the internal-errors topic and never interrupts the
// delivery engine or its sibling subscribers.
func deliver(b Bus, metrics *obs.Metrics, topic string, sub *Subscription, last bool, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncHandlerPanic()
			if topic == schema.TopicInternalErrors {
				return
			}
			b.PublishAsync(schema.TopicInternalErrors, Message{
				Time:    msg.Time,
				Payload: schema.Error{Origin: topic, Err: fmt.Errorf("handler panic: %v", r)},
			})
		}
	}()
	sub.handler(last, msg)
	metrics.IncDelivered()
}
