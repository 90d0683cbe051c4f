package orders

import (
	"sync"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"dynami/internal/bus"
	"dynami/internal/schema"
)

// pendingCondition watches the protective book side of a fully
// executed order and fires at most one exit order when a condition
// triggers. A long position watches the bid side, a short the ask.
type pendingCondition struct {
	engine   *Engine
	orderID  uint64
	symbol   string
	executed schema.Quantity // signed
	conds    []Condition

	mu    sync.Mutex
	sub   *bus.Subscription
	fired atomic.Bool
}

func (e *Engine) attachConditions(req Request) {
	pc := &pendingCondition{
		engine:   e,
		orderID:  req.ID,
		symbol:   req.Symbol,
		executed: req.Quantity,
		conds:    req.Conditions,
	}
	e.pmu.Lock()
	e.pending[req.ID] = pc
	e.pmu.Unlock()
	pc.resume()
}

func (pc *pendingCondition) topic() string {
	if pc.executed > 0 {
		return schema.BidBookTopic(pc.symbol)
	}
	return schema.AskBookTopic(pc.symbol)
}

func (pc *pendingCondition) resume() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.sub == nil && !pc.fired.Load() {
		pc.sub = pc.engine.bus.Subscribe(pc.topic(), pc.onBook)
	}
}

func (pc *pendingCondition) pause() {
	pc.mu.Lock()
	sub := pc.sub
	pc.sub = nil
	pc.mu.Unlock()
	if sub != nil {
		pc.engine.bus.Unsubscribe(sub.Topic(), sub)
	}
}

func (pc *pendingCondition) onBook(last bool, msg bus.Message) {
	book, ok := msg.Payload.(schema.BookOrder)
	if !ok || pc.fired.Load() {
		return
	}

	var bid, ask *schema.BookOrder
	switch book.Side {
	case schema.SideBid:
		bid = &book
		if q, ok := pc.engine.assets.BestAsk(pc.symbol); ok {
			ask = &q
		}
	case schema.SideAsk:
		ask = &book
		if q, ok := pc.engine.assets.BestBid(pc.symbol); ok {
			bid = &q
		}
	default:
		return
	}

	for _, cond := range pc.conds {
		if !cond.Triggered(pc.executed, bid, ask) {
			continue
		}
		if !pc.fired.CompareAndSwap(false, true) {
			return
		}
		pc.detach()
		exit := NewMarketOrder(pc.symbol, -pc.executed)
		exit.Note = cond.Name()
		logs.Infof("order %d condition %s fired, closing %d %s",
			pc.orderID, cond.Name(), -pc.executed, pc.symbol)
		if _, err := pc.engine.Send(exit, NopHandler{}); err != nil {
			logs.Errorf("order %d condition exit failed: %v", pc.orderID, err)
		}
		return
	}
}

func (pc *pendingCondition) detach() {
	pc.pause()
	pc.engine.pmu.Lock()
	delete(pc.engine.pending, pc.orderID)
	pc.engine.pmu.Unlock()
}
