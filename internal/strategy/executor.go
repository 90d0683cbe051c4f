package strategy

import (
	"fmt"

	"github.com/yanun0323/logs"

	"dynami/internal/asset"
	"dynami/internal/bus"
	"dynami/internal/engine"
	"dynami/internal/orders"
	"dynami/internal/portfolio"
	"dynami/internal/schema"
)

// Executor drives the active strategy's stage chain from the
// strategy-event topic. Dispatch is serialized: one event is fully
// processed before the next, and stale backlog (last=false) is
// skipped.
type Executor struct {
	bus       bus.Bus
	registry  *Registry
	orders    *orders.Engine
	assets    *asset.Service
	portfolio *portfolio.Service

	// everything below is guarded by the dispatch goroutine: Load,
	// Unload and event delivery never overlap thanks to dispatchCh
	strat         Strategy
	stage         Stage
	filterEvents  schema.EventType
	filterSymbols map[string]bool
	setup         map[Stage]bool
	lastEvent     *schema.Event
	ending        bool
	finished      bool
	sub           *bus.Subscription

	dispatchCh chan struct{}
}

// NewExecutor wires an executor over the engine services.
func NewExecutor(b bus.Bus, reg *Registry, ord *orders.Engine, ast *asset.Service, pf *portfolio.Service) *Executor {
	return &Executor{
		bus:        b,
		registry:   reg,
		orders:     ord,
		assets:     ast,
		portfolio:  pf,
		setup:      make(map[Stage]bool),
		dispatchCh: make(chan struct{}, 1),
	}
}

// Bus implements Context.
func (x *Executor) Bus() bus.Bus { return x.bus }

// Orders implements Context.
func (x *Executor) Orders() *orders.Engine { return x.orders }

// Assets implements Context.
func (x *Executor) Assets() *asset.Service { return x.assets }

// Portfolio implements Context.
func (x *Executor) Portfolio() *portfolio.Service { return x.portfolio }

// Load resolves the strategy, applies its params, runs the start
// callback and subscribes to strategy events.
func (x *Executor) Load(desc engine.StrategyDescriptor) error {
	strat, err := x.registry.New(desc.Name)
	if err != nil {
		return err
	}
	if cfg, ok := strat.(Configurable); ok && desc.Params != nil {
		if err := cfg.ApplyParams(desc.Params); err != nil {
			return fmt.Errorf("apply params for %s: %w", desc.Name, err)
		}
	}

	x.serialize(func() {
		x.strat = strat
		x.finished = false
		x.ending = false
		x.lastEvent = nil
		x.setup = make(map[Stage]bool)

		strat.OnStrategyStart(x)
		x.installStage(strat.StartsWith())
		if x.stage == nil || x.ending {
			// strategy declined to run
			x.finish()
			return
		}
		x.sub = x.bus.Subscribe(schema.TopicStrategyEvent, x.onEvent)
	})
	logs.Infof("strategy %s loaded", strat.Name())
	return nil
}

// Unload finishes the strategy if it is still live.
func (x *Executor) Unload() {
	x.serialize(func() {
		if x.strat != nil && !x.finished {
			x.finish()
		}
	})
}

// serialize runs fn with exclusive access to the executor state. It is
// a channel-based lock so stage callbacks invoked during dispatch can
// call back into the executor without deadlocking.
func (x *Executor) serialize(fn func()) {
	x.dispatchCh <- struct{}{}
	defer func() { <-x.dispatchCh }()
	fn()
}

func (x *Executor) onEvent(last bool, msg bus.Message) {
	if !last {
		return
	}
	ev, ok := msg.Payload.(schema.Event)
	if !ok {
		return
	}
	x.serialize(func() { x.dispatch(ev) })
}

func (x *Executor) dispatch(ev schema.Event) {
	if x.stage == nil || x.finished {
		return
	}
	x.lastEvent = &ev
	if x.accepts(ev) {
		x.process(x.stage, ev)
	}
	if ev.Is(schema.NoMoreData) {
		x.ending = true
	}
	if x.ending {
		x.finish()
	}
}

func (x *Executor) accepts(ev schema.Event) bool {
	if ev.Types&x.filterEvents == 0 {
		return false
	}
	if len(x.filterSymbols) > 0 && !x.filterSymbols[ev.Symbol] {
		return false
	}
	return true
}

// process runs a stage callback, isolating panics on strategy-errors.
func (x *Executor) process(stage Stage, ev schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("stage panic: %v", r)
			logs.Errorf("strategy %s: %v", x.strat.Name(), err)
			x.bus.PublishAsync(schema.TopicStrategyErrors, bus.Message{
				Time:    ev.Time,
				Payload: schema.Error{Origin: x.strat.Name(), Err: err},
			})
		}
	}()
	stage.Process(x, ev)
}

// GotoNextStage implements Context.
func (x *Executor) GotoNextStage(next Stage) {
	x.installStage(next)
}

// GotoNextStageNow implements Context.
func (x *Executor) GotoNextStageNow(next Stage) {
	x.installStage(next)
	if x.stage != nil && x.lastEvent != nil && x.accepts(*x.lastEvent) {
		x.process(x.stage, *x.lastEvent)
	}
}

// GotoEnd implements Context.
func (x *Executor) GotoEnd() {
	x.ending = true
}

func (x *Executor) installStage(next Stage) {
	x.stage = next
	x.filterEvents = schema.EveryEvent
	x.filterSymbols = nil
	if next == nil {
		return
	}
	if f, ok := next.(EventFilterer); ok {
		x.filterEvents = f.EventFilter()
	}
	if f, ok := next.(SymbolFilterer); ok {
		symbols := f.SymbolFilter()
		if len(symbols) > 0 {
			x.filterSymbols = make(map[string]bool, len(symbols))
			for _, s := range symbols {
				x.filterSymbols[s] = true
			}
		}
	}
	if !x.setup[next] {
		x.setup[next] = true
		next.Setup(x)
	}
}

func (x *Executor) finish() {
	if x.sub != nil {
		x.bus.Unsubscribe(schema.TopicStrategyEvent, x.sub)
		x.sub = nil
	}
	x.stage = nil
	x.ending = false
	x.finished = true
	strat := x.strat
	if strat == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logs.Errorf("strategy %s finish panic: %v", strat.Name(), r)
			}
		}()
		strat.OnStrategyFinish(x)
	}()
	logs.Infof("strategy %s finished", strat.Name())
}

// Finished reports whether the loaded strategy has ended.
func (x *Executor) Finished() bool {
	var done bool
	x.serialize(func() { done = x.finished })
	return done
}
