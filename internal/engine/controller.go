package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yanun0323/logs"

	"dynami/internal/bus"
	"dynami/internal/ops"
	"dynami/internal/schema"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoStrategy        = errors.New("no strategy selected")
)

// StrategyDescriptor names a registered strategy and its parameters.
type StrategyDescriptor struct {
	Name   string
	Params map[string]any
}

// StrategyRunner hosts the selected strategy. Load builds the stage
// pipeline and subscribes it; Unload tears it down.
type StrategyRunner interface {
	Load(desc StrategyDescriptor) error
	Unload()
}

// Controller drives the execution lifecycle. Every operation checks
// the transition table, performs its side effect, and commits the new
// state only when the side effect succeeds; on failure the previous
// state is kept and the error is reported on internal-errors.
type Controller struct {
	bus      bus.Bus
	services *Coordinator
	runner   StrategyRunner

	mu        sync.Mutex
	state     State
	desc      StrategyDescriptor
	cfg       *ops.Loaded
	listeners []func(prev, next State)
}

// NewController creates a controller in the NonActive state.
func NewController(b bus.Bus, services *Coordinator, runner StrategyRunner) *Controller {
	return &Controller{bus: b, services: services, runner: runner}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsSelected reports whether a strategy is selected and not yet stopped.
func (c *Controller) IsSelected() bool {
	s := c.State()
	return s == Selected || s == Initialized || s == Loaded || s == Running || s == Paused
}

// IsLoaded reports whether the strategy pipeline is built.
func (c *Controller) IsLoaded() bool {
	s := c.State()
	return s == Loaded || s == Running || s == Paused
}

// IsStarted reports whether the engine was started and not stopped.
func (c *Controller) IsStarted() bool {
	s := c.State()
	return s == Running || s == Paused
}

// IsRunning reports whether the engine is actively processing.
func (c *Controller) IsRunning() bool {
	return c.State() == Running
}

// OnStateChange registers a listener invoked synchronously on every
// committed transition.
func (c *Controller) OnStateChange(fn func(prev, next State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Select records the strategy to execute.
func (c *Controller) Select(desc StrategyDescriptor) error {
	if desc.Name == "" {
		return ErrNoStrategy
	}
	return c.transition(Selected, func() error {
		c.desc = desc
		return nil
	})
}

// Init initializes all registered services with the configuration.
func (c *Controller) Init(cfg *ops.Loaded) error {
	return c.transition(Initialized, func() error {
		if err := c.services.InitAll(cfg); err != nil {
			return err
		}
		c.cfg = cfg
		return nil
	})
}

// Load builds the strategy pipeline.
func (c *Controller) Load() error {
	return c.transition(Loaded, func() error {
		if c.desc.Name == "" {
			return ErrNoStrategy
		}
		return c.runner.Load(c.desc)
	})
}

// Run starts processing. From Paused it resumes the services instead
// of starting them again.
func (c *Controller) Run() error {
	return c.transitionFrom(Running, func(prev State) error {
		if prev == Paused {
			return c.services.ResumeAll()
		}
		return c.services.StartAll()
	})
}

// Pause suspends processing by stopping the services. The strategy
// pipeline stays loaded.
func (c *Controller) Pause() error {
	return c.transition(Paused, c.services.StopAll)
}

// Stop halts processing and unloads the strategy pipeline. Stopping an
// already stopped controller is a no-op.
func (c *Controller) Stop() error {
	if c.State() == Stopped {
		return nil
	}
	return c.transition(Stopped, func() error {
		err := c.services.StopAll()
		c.runner.Unload()
		return err
	})
}

// Dispose releases the services and returns to NonActive. Disposing a
// non-active controller is a no-op.
func (c *Controller) Dispose() error {
	if c.State() == NonActive {
		return nil
	}
	return c.transition(NonActive, c.services.DisposeAll)
}

func (c *Controller) transition(next State, sideEffect func() error) error {
	return c.transitionFrom(next, func(State) error { return sideEffect() })
}

func (c *Controller) transitionFrom(next State, sideEffect func(prev State) error) error {
	c.mu.Lock()
	prev := c.state
	if !prev.CanTransitionTo(next) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	if err := sideEffect(prev); err != nil {
		c.mu.Unlock()
		c.reportError(fmt.Errorf("transition %s -> %s: %w", prev, next, err))
		return err
	}
	c.state = next
	listeners := append([]func(prev, next State){}, c.listeners...)
	c.mu.Unlock()

	logs.Infof("execution state %s -> %s", prev, next)
	for _, fn := range listeners {
		fn(prev, next)
	}
	return nil
}

func (c *Controller) reportError(err error) {
	c.bus.PublishAsync(schema.TopicInternalErrors, bus.Message{
		Payload: schema.Error{Origin: "execution", Err: err},
	})
}
