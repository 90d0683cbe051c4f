package orders

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"dynami/internal/asset"
	"dynami/internal/bus"
	"dynami/internal/obs"
	"dynami/internal/ops"
	"dynami/internal/schema"
)

var (
	ErrZeroQuantity = errors.New("order quantity is zero")
	ErrInvalidPrice = errors.New("limit price must be positive")
	ErrNoQuote      = errors.New("no quote available for market order")
)

// Engine matches order requests against best-level book updates.
// A buy fills when its price reaches the best ask, a sell when its
// price reaches the best bid. Orders that do not fill immediately
// subscribe to the matching book side and are re-checked on every
// update until they complete or get cancelled.
type Engine struct {
	bus     bus.Bus
	assets  *asset.Service
	metrics *obs.Metrics
	ids     *obs.IDGenerator

	mu     sync.Mutex
	orders map[uint64]*liveOrder
	paused bool

	pmu     sync.Mutex
	pending map[uint64]*pendingCondition
}

type liveOrder struct {
	mu        sync.Mutex
	req       Request
	handler   Handler
	status    Status
	remaining schema.Quantity // absolute
	sub       *bus.Subscription
	done      atomic.Bool
}

// New creates an order engine. The asset service provides the current
// best quotes for immediate matching and market price resolution.
func New(b bus.Bus, assets *asset.Service, metrics *obs.Metrics) *Engine {
	return &Engine{
		bus:     b,
		assets:  assets,
		metrics: metrics,
		ids:     obs.NewIDGenerator(0),
		orders:  make(map[uint64]*liveOrder),
		pending: make(map[uint64]*pendingCondition),
	}
}

// Send submits a request. The returned ID identifies the order in
// callbacks, reports and queries. Market orders resolve their price
// from the best opposite quote at send time and are rejected when no
// quote exists yet.
func (e *Engine) Send(req Request, h Handler) (uint64, error) {
	if h == nil {
		h = NopHandler{}
	}
	if req.Quantity == 0 {
		return 0, ErrZeroQuantity
	}
	req.ID = e.ids.Next()
	req.Time = time.Now().UnixNano()

	if req.Market {
		quote, ok := e.oppositeQuote(req)
		if !ok {
			e.reject(req, h, ErrNoQuote)
			return req.ID, ErrNoQuote
		}
		req.Price = quote.Price
	} else if req.Price <= 0 {
		e.reject(req, h, ErrInvalidPrice)
		return req.ID, ErrInvalidPrice
	}

	lo := &liveOrder{req: req, handler: h, status: StatusPending, remaining: abs(req.Quantity)}
	e.mu.Lock()
	e.orders[req.ID] = lo
	paused := e.paused
	e.mu.Unlock()

	e.metrics.IncOrderSent()
	e.bus.PublishAsync(schema.TopicOrderRequest, bus.Message{Payload: req})
	logs.Infof("order %d sent: %s %d @ %d", req.ID, req.Symbol, req.Quantity, req.Price)

	if quote, ok := e.oppositeQuote(req); ok {
		e.match(lo, quote)
	}

	lo.mu.Lock()
	if !lo.status.Terminal() && !paused {
		lo.sub = e.bus.Subscribe(e.bookTopic(req), e.onBookUpdate(lo))
	}
	lo.mu.Unlock()
	return req.ID, nil
}

func (e *Engine) bookTopic(req Request) string {
	if req.IsBuy() {
		return schema.AskBookTopic(req.Symbol)
	}
	return schema.BidBookTopic(req.Symbol)
}

func (e *Engine) oppositeQuote(req Request) (schema.BookOrder, bool) {
	if req.IsBuy() {
		return e.assets.BestAsk(req.Symbol)
	}
	return e.assets.BestBid(req.Symbol)
}

func (e *Engine) reject(req Request, h Handler, reason error) {
	lo := &liveOrder{req: req, handler: h, status: StatusRejected}
	lo.done.Store(true)
	e.mu.Lock()
	e.orders[req.ID] = lo
	e.mu.Unlock()
	logs.Errorf("order %d rejected: %v", req.ID, reason)
	e.safeCall("reject callback", func() { h.OnOrderRejected(req, reason) })
}

func (e *Engine) onBookUpdate(lo *liveOrder) bus.Handler {
	return func(last bool, msg bus.Message) {
		book, ok := msg.Payload.(schema.BookOrder)
		if !ok || book.Quantity == 0 {
			return
		}
		e.match(lo, book)
	}
}

// match runs one matching attempt against a book update. Completion is
// committed exactly once: concurrent updates race on the done flag and
// the loser leaves without side effects.
func (e *Engine) match(lo *liveOrder, book schema.BookOrder) {
	start := time.Now()
	lo.mu.Lock()
	if lo.status.Terminal() {
		lo.mu.Unlock()
		return
	}
	if lo.req.IsBuy() {
		if lo.req.Price < book.Price {
			lo.mu.Unlock()
			return
		}
	} else {
		if lo.req.Price > book.Price {
			lo.mu.Unlock()
			return
		}
	}

	avail := abs(book.Quantity)
	if avail >= lo.remaining {
		if !lo.done.CompareAndSwap(false, true) {
			lo.mu.Unlock()
			return
		}
		filled := lo.remaining
		lo.remaining = 0
		lo.status = StatusExecuted
		sub := lo.sub
		lo.sub = nil
		lo.mu.Unlock()

		if sub != nil {
			e.bus.Unsubscribe(sub.Topic(), sub)
		}
		report := e.report(lo.req, filled, book.Time)
		e.publishReport(report)
		e.metrics.IncOrderFilled()
		e.safeCall("executed callback", func() { lo.handler.OnOrderExecuted(report) })
		if len(lo.req.Conditions) > 0 {
			e.attachConditions(lo.req)
		}
		e.metrics.ObserveMatch(time.Since(start))
		return
	}

	filled := avail
	lo.remaining -= avail
	lo.status = StatusPartiallyExecuted
	lo.mu.Unlock()

	report := e.report(lo.req, filled, book.Time)
	e.publishReport(report)
	e.safeCall("partial callback", func() { lo.handler.OnOrderPartiallyExecuted(report) })
	e.metrics.ObserveMatch(time.Since(start))
}

func (e *Engine) report(req Request, filled schema.Quantity, bookTime int64) schema.ExecutionReport {
	ts := bookTime
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	return schema.ExecutionReport{
		OrderID:  req.ID,
		Symbol:   req.Symbol,
		Price:    req.Price,
		Quantity: filled * sign(req.Quantity),
		Time:     ts,
		Note:     req.Note,
	}
}

func (e *Engine) publishReport(report schema.ExecutionReport) {
	e.bus.PublishAsync(schema.TopicExecutedOrder, bus.Message{Time: report.Time, Payload: report})
}

// Cancel aborts an order. Only pending and partially executed orders
// can be cancelled; anything terminal returns false.
func (e *Engine) Cancel(id uint64) bool {
	e.mu.Lock()
	lo := e.orders[id]
	e.mu.Unlock()
	if lo == nil {
		return false
	}

	lo.mu.Lock()
	switch lo.status {
	case StatusPending:
		lo.status = StatusCancelled
	case StatusPartiallyExecuted:
		lo.status = StatusPartiallyThenCancelled
	default:
		lo.mu.Unlock()
		return false
	}
	lo.done.Store(true)
	lo.remaining = 0
	sub := lo.sub
	lo.sub = nil
	req := lo.req
	lo.mu.Unlock()

	if sub != nil {
		e.bus.Unsubscribe(sub.Topic(), sub)
	}
	e.bus.PublishAsync(schema.TopicCancelRequest, bus.Message{Payload: req})
	e.metrics.IncOrderCancelled()
	logs.Infof("order %d cancelled", id)
	e.safeCall("cancel callback", func() { lo.handler.OnOrderCancelled(req) })
	return true
}

// OrderByID returns a request and its current status.
func (e *Engine) OrderByID(id uint64) (Request, Status, bool) {
	e.mu.Lock()
	lo := e.orders[id]
	e.mu.Unlock()
	if lo == nil {
		return Request{}, 0, false
	}
	lo.mu.Lock()
	defer lo.mu.Unlock()
	return lo.req, lo.status, true
}

// Remaining returns the unfilled absolute quantity of an order.
func (e *Engine) Remaining(id uint64) (schema.Quantity, bool) {
	e.mu.Lock()
	lo := e.orders[id]
	e.mu.Unlock()
	if lo == nil {
		return 0, false
	}
	lo.mu.Lock()
	defer lo.mu.Unlock()
	return lo.remaining, true
}

// PendingOrders returns every request not yet terminal.
func (e *Engine) PendingOrders() []Request {
	e.mu.Lock()
	live := make([]*liveOrder, 0, len(e.orders))
	for _, lo := range e.orders {
		live = append(live, lo)
	}
	e.mu.Unlock()

	var out []Request
	for _, lo := range live {
		lo.mu.Lock()
		if !lo.status.Terminal() {
			out = append(out, lo.req)
		}
		lo.mu.Unlock()
	}
	return out
}

// HasPendingOrders reports whether any order is still working.
func (e *Engine) HasPendingOrders() bool {
	return len(e.PendingOrders()) > 0
}

// HasPendingOrdersFor reports whether any order for the symbol is
// still working.
func (e *Engine) HasPendingOrdersFor(symbol string) bool {
	for _, req := range e.PendingOrders() {
		if req.Symbol == symbol {
			return true
		}
	}
	return false
}

func (e *Engine) safeCall(origin string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("orders: %s panic: %v", origin, r)
			e.bus.PublishAsync(schema.TopicInternalErrors, bus.Message{
				Payload: schema.Error{Origin: "orders", Err: fmt.Errorf("%s panic: %v", origin, r)},
			})
		}
	}()
	fn()
}

// ID implements the lifecycle service interface.
func (e *Engine) ID() string { return "orders" }

// Init implements the lifecycle service interface.
func (e *Engine) Init(cfg *ops.Loaded) error { return nil }

// Start implements the lifecycle service interface.
func (e *Engine) Start() error {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	return nil
}

// Stop suspends matching: working orders and pending conditions drop
// their book subscriptions until Resume.
func (e *Engine) Stop() error {
	e.mu.Lock()
	e.paused = true
	live := e.liveLocked()
	e.mu.Unlock()

	for _, lo := range live {
		lo.mu.Lock()
		sub := lo.sub
		lo.sub = nil
		lo.mu.Unlock()
		if sub != nil {
			e.bus.Unsubscribe(sub.Topic(), sub)
		}
	}
	e.pmu.Lock()
	conds := make([]*pendingCondition, 0, len(e.pending))
	for _, pc := range e.pending {
		conds = append(conds, pc)
	}
	e.pmu.Unlock()
	for _, pc := range conds {
		pc.pause()
	}
	return nil
}

// Resume re-subscribes working orders and pending conditions.
func (e *Engine) Resume() error {
	e.mu.Lock()
	e.paused = false
	live := e.liveLocked()
	e.mu.Unlock()

	for _, lo := range live {
		lo.mu.Lock()
		if !lo.status.Terminal() && lo.sub == nil {
			lo.sub = e.bus.Subscribe(e.bookTopic(lo.req), e.onBookUpdate(lo))
		}
		lo.mu.Unlock()
	}
	e.pmu.Lock()
	conds := make([]*pendingCondition, 0, len(e.pending))
	for _, pc := range e.pending {
		conds = append(conds, pc)
	}
	e.pmu.Unlock()
	for _, pc := range conds {
		pc.resume()
	}
	return nil
}

// Dispose drops every subscription and forgets all orders.
func (e *Engine) Dispose() error {
	if err := e.Stop(); err != nil {
		return err
	}
	e.mu.Lock()
	e.orders = make(map[uint64]*liveOrder)
	e.mu.Unlock()
	e.pmu.Lock()
	e.pending = make(map[uint64]*pendingCondition)
	e.pmu.Unlock()
	return nil
}

func (e *Engine) liveLocked() []*liveOrder {
	live := make([]*liveOrder, 0, len(e.orders))
	for _, lo := range e.orders {
		live = append(live, lo)
	}
	return live
}
