package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"dynami/internal/bus"
	"dynami/internal/ops"
	"dynami/internal/schema"
)

// Service is a runtime component driven through the execution
// lifecycle. Implementations must tolerate Stop and Dispose being
// called more than once.
type Service interface {
	ID() string
	Init(cfg *ops.Loaded) error
	Start() error
	Stop() error
	Resume() error
	Dispose() error
}

// Default service priorities. Lower runs first.
const (
	PriorityAsset     = 10
	PriorityFeed      = 30
	PriorityOrders    = 40
	PriorityPortfolio = 50
	PriorityJournal   = 60
)

// Coordinator drives registered services through lifecycle operations
// in priority order. One failing service never prevents the sweep from
// reaching the others; failures are reported on the service-status
// topic and folded into the returned error.
type Coordinator struct {
	bus bus.Bus

	mu      sync.Mutex
	entries []serviceEntry
}

type serviceEntry struct {
	svc      Service
	priority int
}

// NewCoordinator creates an empty coordinator reporting on the given bus.
func NewCoordinator(b bus.Bus) *Coordinator {
	return &Coordinator{bus: b}
}

// Register adds a service with the given priority. Registering the
// same ID twice replaces the previous entry.
func (c *Coordinator) Register(svc Service, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.svc.ID() == svc.ID() {
			c.entries[i] = serviceEntry{svc: svc, priority: priority}
			c.sortLocked()
			return
		}
	}
	c.entries = append(c.entries, serviceEntry{svc: svc, priority: priority})
	c.sortLocked()
}

func (c *Coordinator) sortLocked() {
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].priority < c.entries[j].priority
	})
}

// Service returns the registered service with the given ID.
func (c *Coordinator) Service(id string) (Service, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.svc.ID() == id {
			return e.svc, true
		}
	}
	return nil, false
}

// InitAll initializes every service in priority order.
func (c *Coordinator) InitAll(cfg *ops.Loaded) error {
	return c.sweep("init", func(s Service) error { return s.Init(cfg) })
}

// StartAll starts every service in priority order.
func (c *Coordinator) StartAll() error {
	return c.sweep("start", Service.Start)
}

// StopAll stops every service in priority order.
func (c *Coordinator) StopAll() error {
	return c.sweep("stop", Service.Stop)
}

// ResumeAll resumes every service in priority order.
func (c *Coordinator) ResumeAll() error {
	return c.sweep("resume", Service.Resume)
}

// DisposeAll disposes every service in priority order.
func (c *Coordinator) DisposeAll() error {
	return c.sweep("dispose", Service.Dispose)
}

func (c *Coordinator) sweep(op string, fn func(Service) error) error {
	c.mu.Lock()
	entries := append([]serviceEntry(nil), c.entries...)
	c.mu.Unlock()

	var failed []error
	for _, e := range entries {
		if err := c.apply(op, e.svc, fn); err != nil {
			failed = append(failed, errors.Wrap(err, e.svc.ID()))
			c.report(e.svc.ID(), op, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s failed: %w", op, joinErrors(failed))
	}
	return nil
}

func (c *Coordinator) apply(op string, svc Service, fn func(Service) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panic: %v", op, r)
		}
	}()
	return fn(svc)
}

func (c *Coordinator) report(id, op string, err error) {
	logs.Errorf("service %s %s failed, err: %+v", id, op, err)
	c.bus.PublishAsync(schema.TopicServiceStatus, bus.Message{
		Payload: schema.ServiceStatus{
			ServiceID: id,
			Op:        op,
			Message:   fmt.Sprintf("%s failed", op),
			Err:       err,
		},
	})
}

func joinErrors(errs []error) error {
	err := errs[0]
	for _, e := range errs[1:] {
		err = fmt.Errorf("%w; %w", err, e)
	}
	return err
}
