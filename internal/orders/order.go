// Package orders implements the in-memory order matching engine.
// Requests carry a signed quantity: positive buys, negative sells.
package orders

import (
	"dynami/internal/schema"
)

// Status is the lifecycle state of an order request.
type Status uint8

const (
	StatusPending Status = iota
	StatusPartiallyExecuted
	StatusExecuted
	StatusPartiallyThenCancelled
	StatusCancelled
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusPartiallyExecuted:
		return "PartiallyExecuted"
	case StatusExecuted:
		return "Executed"
	case StatusPartiallyThenCancelled:
		return "PartiallyThenCancelled"
	case StatusCancelled:
		return "Cancelled"
	case StatusRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusPartiallyThenCancelled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Cancelled reports whether the order ended by cancellation.
func (s Status) Cancelled() bool {
	return s == StatusCancelled || s == StatusPartiallyThenCancelled
}

// Request is an immutable order request. ID and Time are assigned by
// the engine on send.
type Request struct {
	ID         uint64
	Time       int64
	Symbol     string
	Quantity   schema.Quantity
	Price      schema.Price
	Market     bool
	Note       string
	Conditions []Condition
}

// IsBuy reports whether the request buys.
func (r Request) IsBuy() bool { return r.Quantity > 0 }

// NewLimitOrder builds a limit order request.
func NewLimitOrder(symbol string, qty schema.Quantity, price schema.Price, conds ...Condition) Request {
	return Request{Symbol: symbol, Quantity: qty, Price: price, Conditions: conds}
}

// NewMarketOrder builds a market order request. The price is resolved
// from the best opposite quote when the order is sent.
func NewMarketOrder(symbol string, qty schema.Quantity, conds ...Condition) Request {
	return Request{Symbol: symbol, Quantity: qty, Market: true, Conditions: conds}
}

// Condition is a contingent exit attached to an order request. After
// the order fully executes, conditions are checked on every book
// update of the protective side until one triggers.
type Condition interface {
	Name() string
	// Triggered receives the executed signed quantity and the latest
	// best quotes. A nil side has no quote yet.
	Triggered(executed schema.Quantity, bid, ask *schema.BookOrder) bool
}

// StopLoss exits the position when the protective quote crosses the
// stop price against the position.
type StopLoss struct {
	Price schema.Price
}

func (c StopLoss) Name() string { return "stop-loss" }

// Triggered fires for longs when the bid falls to the stop, for shorts
// when the ask rises to it.
func (c StopLoss) Triggered(executed schema.Quantity, bid, ask *schema.BookOrder) bool {
	if executed > 0 {
		return bid != nil && bid.Price <= c.Price
	}
	return ask != nil && ask.Price >= c.Price
}

// TakeProfit exits the position when the protective quote reaches the
// target price.
type TakeProfit struct {
	Price schema.Price
}

func (c TakeProfit) Name() string { return "take-profit" }

// Triggered fires for longs when the bid reaches the target, for
// shorts when the ask drops to it.
func (c TakeProfit) Triggered(executed schema.Quantity, bid, ask *schema.BookOrder) bool {
	if executed > 0 {
		return bid != nil && bid.Price >= c.Price
	}
	return ask != nil && ask.Price <= c.Price
}

// Handler receives order lifecycle callbacks from the engine.
type Handler interface {
	OnOrderExecuted(report schema.ExecutionReport)
	OnOrderPartiallyExecuted(report schema.ExecutionReport)
	OnOrderCancelled(req Request)
	OnOrderRejected(req Request, reason error)
}

// NopHandler ignores every callback. Embed it to implement only part
// of the Handler interface.
type NopHandler struct{}

func (NopHandler) OnOrderExecuted(schema.ExecutionReport)          {}
func (NopHandler) OnOrderPartiallyExecuted(schema.ExecutionReport) {}
func (NopHandler) OnOrderCancelled(Request)                        {}
func (NopHandler) OnOrderRejected(Request, error)                  {}

func abs(q schema.Quantity) schema.Quantity {
	if q < 0 {
		return -q
	}
	return q
}

func sign(q schema.Quantity) schema.Quantity {
	if q < 0 {
		return -1
	}
	return 1
}
