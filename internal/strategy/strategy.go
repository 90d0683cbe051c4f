// Package strategy hosts user trading logic as a chain of stages
// driven by the strategy-event topic.
package strategy

import (
	"dynami/internal/asset"
	"dynami/internal/bus"
	"dynami/internal/orders"
	"dynami/internal/portfolio"
	"dynami/internal/schema"
)

// Context is the runtime view handed to strategies and stages. Stage
// transition methods must be called from strategy callbacks only.
type Context interface {
	Bus() bus.Bus
	Orders() *orders.Engine
	Assets() *asset.Service
	Portfolio() *portfolio.Service

	// GotoNextStage installs the next stage; it starts receiving
	// events from the next cycle.
	GotoNextStage(next Stage)
	// GotoNextStageNow installs the next stage and immediately
	// re-dispatches the last executed event to it.
	GotoNextStageNow(next Stage)
	// GotoEnd finishes the strategy after the current cycle.
	GotoEnd()
}

// Stage is one step of a strategy. Setup runs once when the stage is
// first installed; Process runs for every accepted event.
type Stage interface {
	Setup(ctx Context)
	Process(ctx Context, ev schema.Event)
}

// EventFilterer narrows the event types a stage receives. A stage
// without it receives every event type.
type EventFilterer interface {
	EventFilter() schema.EventType
}

// SymbolFilterer narrows the symbols a stage receives. A stage without
// it receives every symbol.
type SymbolFilterer interface {
	SymbolFilter() []string
}

// Strategy is the unit selected and executed by the engine.
type Strategy interface {
	Name() string
	StartsWith() Stage
	OnStrategyStart(ctx Context)
	OnStrategyFinish(ctx Context)
}

// Configurable strategies receive the params block of the strategy
// configuration before the pipeline is built.
type Configurable interface {
	ApplyParams(params map[string]any) error
}
