package main

import (
	"fmt"

	"github.com/yanun0323/logs"

	"dynami/internal/orders"
	"dynami/internal/schema"
	"dynami/internal/strategy"
)

func registerStrategies(reg *strategy.Registry) error {
	return reg.Register("momentum", func() strategy.Strategy { return newMomentum() })
}

// momentum buys after a run of rising bar closes and lets stop-loss /
// take-profit conditions manage the exit.
type momentum struct {
	symbol    string
	quantity  schema.Quantity
	lookback  int
	stopTicks schema.Price
	takeTicks schema.Price
	maxTrades int

	trades int
}

func newMomentum() *momentum {
	return &momentum{
		symbol:    "FTSEMIB",
		quantity:  1,
		lookback:  3,
		stopTicks: 50,
		takeTicks: 100,
		maxTrades: 10,
	}
}

func (m *momentum) Name() string { return "momentum" }

func (m *momentum) StartsWith() strategy.Stage { return &entryStage{strat: m} }

func (m *momentum) OnStrategyStart(ctx strategy.Context) {
	logs.Infof("momentum on %s: lookback=%d qty=%d", m.symbol, m.lookback, m.quantity)
}

func (m *momentum) OnStrategyFinish(ctx strategy.Context) {
	logs.Infof("momentum done: trades=%d position=%d", m.trades, ctx.Portfolio().Position(m.symbol))
}

func (m *momentum) ApplyParams(params map[string]any) error {
	if v, ok := params["symbol"].(string); ok {
		m.symbol = v
	}
	var err error
	if m.quantity, err = intParam(params, "quantity", m.quantity); err != nil {
		return err
	}
	if m.lookback, err = intParam(params, "lookback", m.lookback); err != nil {
		return err
	}
	if m.stopTicks, err = intParam(params, "stopTicks", m.stopTicks); err != nil {
		return err
	}
	if m.takeTicks, err = intParam(params, "takeTicks", m.takeTicks); err != nil {
		return err
	}
	if m.maxTrades, err = intParam(params, "maxTrades", m.maxTrades); err != nil {
		return err
	}
	if m.quantity <= 0 || m.lookback < 1 {
		return fmt.Errorf("momentum params out of range: quantity=%d lookback=%d", m.quantity, m.lookback)
	}
	return nil
}

// intParam reads a JSON number param into any integer type.
func intParam[T ~int | ~int64](params map[string]any, key string, def T) (T, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return T(n), nil
	case int:
		return T(n), nil
	default:
		return def, fmt.Errorf("param %s: expected number, got %T", key, v)
	}
}

// entryStage waits for a run of rising closes and opens a position.
type entryStage struct {
	strat  *momentum
	closes []schema.Price
}

func (s *entryStage) EventFilter() schema.EventType { return schema.OnBarClose }
func (s *entryStage) SymbolFilter() []string        { return []string{s.strat.symbol} }

func (s *entryStage) Setup(ctx strategy.Context) {}

func (s *entryStage) Process(ctx strategy.Context, ev schema.Event) {
	if ev.Bar == nil {
		return
	}
	s.closes = append(s.closes, ev.Bar.Close)
	if len(s.closes) <= s.strat.lookback {
		return
	}
	s.closes = s.closes[len(s.closes)-s.strat.lookback-1:]
	for i := 1; i < len(s.closes); i++ {
		if s.closes[i] <= s.closes[i-1] {
			return
		}
	}
	if !ctx.Portfolio().IsFlat(s.strat.symbol) {
		return
	}

	last := ev.Bar.Close
	req := orders.NewMarketOrder(s.strat.symbol, s.strat.quantity,
		orders.StopLoss{Price: last - s.strat.stopTicks},
		orders.TakeProfit{Price: last + s.strat.takeTicks},
	)
	id, err := ctx.Orders().Send(req, orders.NopHandler{})
	if err != nil {
		logs.Errorf("momentum entry: %+v", err)
		return
	}
	s.strat.trades++
	logs.Infof("momentum entry order %d at close %d", id, last)
	s.closes = nil
	ctx.GotoNextStage(&holdStage{strat: s.strat})
}

// holdStage waits for the protective conditions to flatten the
// position, then re-arms or ends the strategy.
type holdStage struct {
	strat *momentum
}

func (s *holdStage) EventFilter() schema.EventType { return schema.OnBarClose }
func (s *holdStage) SymbolFilter() []string        { return []string{s.strat.symbol} }

func (s *holdStage) Setup(ctx strategy.Context) {}

func (s *holdStage) Process(ctx strategy.Context, ev schema.Event) {
	if !ctx.Portfolio().IsFlat(s.strat.symbol) {
		return
	}
	if ctx.Orders().HasPendingOrdersFor(s.strat.symbol) {
		return
	}
	if s.strat.trades >= s.strat.maxTrades {
		ctx.GotoEnd()
		return
	}
	ctx.GotoNextStage(&entryStage{strat: s.strat})
}
