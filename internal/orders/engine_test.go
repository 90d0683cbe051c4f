package orders

import (
	"sync"
	"testing"

	"dynami/internal/asset"
	"dynami/internal/bus"
	"dynami/internal/obs"
	"dynami/internal/ops"
	"dynami/internal/schema"
)

type recHandler struct {
	mu        sync.Mutex
	executed  []schema.ExecutionReport
	partials  []schema.ExecutionReport
	cancelled []Request
	rejected  []error
}

func (h *recHandler) OnOrderExecuted(r schema.ExecutionReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executed = append(h.executed, r)
}

func (h *recHandler) OnOrderPartiallyExecuted(r schema.ExecutionReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partials = append(h.partials, r)
}

func (h *recHandler) OnOrderCancelled(req Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, req)
}

func (h *recHandler) OnOrderRejected(req Request, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = append(h.rejected, reason)
}

type fixture struct {
	bus    bus.Bus
	assets *asset.Service
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := bus.New(bus.Config{ForceSync: true}, obs.NewMetrics())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(b.Dispose)

	assets := asset.New(b)
	if err := assets.Init(&ops.Loaded{}); err != nil {
		t.Fatalf("asset init: %v", err)
	}
	if err := assets.Start(); err != nil {
		t.Fatalf("asset start: %v", err)
	}
	return &fixture{bus: b, assets: assets, engine: New(b, assets, nil)}
}

func (f *fixture) quote(side schema.Side, price schema.Price, qty schema.Quantity) {
	f.bus.PublishAsync(schema.BookTopic(side, "FTSEMIB"), bus.Message{Payload: schema.BookOrder{
		Symbol:   "FTSEMIB",
		Side:     side,
		Price:    price,
		Quantity: qty,
		Time:     1,
	}})
}

func TestLimitBuyFullFill(t *testing.T) {
	f := newFixture(t)
	h := &recHandler{}

	id, err := f.engine.Send(NewLimitOrder("FTSEMIB", 5, 10000), h)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, status, _ := f.engine.OrderByID(id); status != StatusPending {
		t.Fatalf("status before quotes: %s", status)
	}

	// ask above the limit price must not fill
	f.quote(schema.SideAsk, 10100, 50)
	if _, status, _ := f.engine.OrderByID(id); status != StatusPending {
		t.Fatalf("filled above limit price")
	}

	f.quote(schema.SideAsk, 10000, 50)
	_, status, _ := f.engine.OrderByID(id)
	if status != StatusExecuted {
		t.Fatalf("status after matching ask: %s", status)
	}
	if len(h.executed) != 1 {
		t.Fatalf("executed callbacks: %d", len(h.executed))
	}
	r := h.executed[0]
	if r.OrderID != id || r.Price != 10000 || r.Quantity != 5 {
		t.Fatalf("report: %+v", r)
	}
	if rem, _ := f.engine.Remaining(id); rem != 0 {
		t.Fatalf("remaining after fill: %d", rem)
	}

	// further updates must not produce more fills
	f.quote(schema.SideAsk, 9900, 50)
	if len(h.executed) != 1 || len(h.partials) != 0 {
		t.Fatalf("fill after completion: exec=%d part=%d", len(h.executed), len(h.partials))
	}
}

func TestPartialFillsThenCompletion(t *testing.T) {
	f := newFixture(t)
	h := &recHandler{}

	id, err := f.engine.Send(NewLimitOrder("FTSEMIB", 10, 10000), h)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	f.quote(schema.SideAsk, 10000, 4)
	if _, status, _ := f.engine.OrderByID(id); status != StatusPartiallyExecuted {
		t.Fatalf("status after first partial: %v", status)
	}
	if rem, _ := f.engine.Remaining(id); rem != 6 {
		t.Fatalf("remaining after first partial: %d", rem)
	}

	f.quote(schema.SideAsk, 9950, 3)
	if rem, _ := f.engine.Remaining(id); rem != 3 {
		t.Fatalf("remaining after second partial: %d", rem)
	}

	f.quote(schema.SideAsk, 10000, 100)
	_, status, _ := f.engine.OrderByID(id)
	if status != StatusExecuted {
		t.Fatalf("status after completion: %s", status)
	}
	if len(h.partials) != 2 || len(h.executed) != 1 {
		t.Fatalf("callbacks: partials=%d executed=%d", len(h.partials), len(h.executed))
	}
	if h.partials[0].Quantity != 4 || h.partials[1].Quantity != 3 || h.executed[0].Quantity != 3 {
		t.Fatalf("fill quantities: %+v %+v %+v", h.partials[0], h.partials[1], h.executed[0])
	}
}

func TestSellFillsAgainstBid(t *testing.T) {
	f := newFixture(t)
	h := &recHandler{}

	id, err := f.engine.Send(NewLimitOrder("FTSEMIB", -5, 10000), h)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// bid below the sell price must not fill
	f.quote(schema.SideBid, 9900, 50)
	if _, status, _ := f.engine.OrderByID(id); status != StatusPending {
		t.Fatalf("sell filled below its price")
	}

	f.quote(schema.SideBid, 10050, 50)
	_, status, _ := f.engine.OrderByID(id)
	if status != StatusExecuted {
		t.Fatalf("status: %s", status)
	}
	if h.executed[0].Quantity != -5 {
		t.Fatalf("sell fill quantity: %d", h.executed[0].Quantity)
	}
}

func TestMarketOrderResolvesPriceAtSend(t *testing.T) {
	f := newFixture(t)
	h := &recHandler{}

	f.quote(schema.SideAsk, 10200, 50)
	id, err := f.engine.Send(NewMarketOrder("FTSEMIB", 2), h)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	req, status, _ := f.engine.OrderByID(id)
	if status != StatusExecuted {
		t.Fatalf("market order should fill immediately: %s", status)
	}
	if req.Price != 10200 || h.executed[0].Price != 10200 {
		t.Fatalf("market price resolution: req=%d report=%d", req.Price, h.executed[0].Price)
	}
}

func TestMarketOrderWithoutQuoteRejected(t *testing.T) {
	f := newFixture(t)
	h := &recHandler{}

	id, err := f.engine.Send(NewMarketOrder("FTSEMIB", 2), h)
	if err != ErrNoQuote {
		t.Fatalf("expected ErrNoQuote, got %v", err)
	}
	_, status, ok := f.engine.OrderByID(id)
	if !ok || status != StatusRejected {
		t.Fatalf("status: %s ok=%v", status, ok)
	}
	if len(h.rejected) != 1 {
		t.Fatalf("rejected callbacks: %d", len(h.rejected))
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	h := &recHandler{}

	id, _ := f.engine.Send(NewLimitOrder("FTSEMIB", 10, 10000), h)
	if !f.engine.Cancel(id) {
		t.Fatalf("cancel pending refused")
	}
	if _, status, _ := f.engine.OrderByID(id); status != StatusCancelled {
		t.Fatalf("status: %s", status)
	}
	if len(h.cancelled) != 1 {
		t.Fatalf("cancel callbacks: %d", len(h.cancelled))
	}

	// a cancelled order never matches again
	f.quote(schema.SideAsk, 9000, 100)
	if len(h.executed) != 0 {
		t.Fatalf("cancelled order filled")
	}
	if f.engine.Cancel(id) {
		t.Fatalf("second cancel accepted")
	}
}

func TestCancelAfterPartialFill(t *testing.T) {
	f := newFixture(t)
	h := &recHandler{}

	id, _ := f.engine.Send(NewLimitOrder("FTSEMIB", 10, 10000), h)
	f.quote(schema.SideAsk, 10000, 4)
	if !f.engine.Cancel(id) {
		t.Fatalf("cancel partially executed refused")
	}
	_, status, _ := f.engine.OrderByID(id)
	if status != StatusPartiallyThenCancelled {
		t.Fatalf("status: %s", status)
	}
	if rem, _ := f.engine.Remaining(id); rem != 0 {
		t.Fatalf("remaining after cancel: %d", rem)
	}
}

func TestCancelExecutedRefused(t *testing.T) {
	f := newFixture(t)
	f.quote(schema.SideAsk, 10000, 50)
	id, _ := f.engine.Send(NewLimitOrder("FTSEMIB", 5, 10000), &recHandler{})
	if f.engine.Cancel(id) {
		t.Fatalf("cancel of executed order accepted")
	}
}

func TestConditionFiresOnce(t *testing.T) {
	f := newFixture(t)
	h := &recHandler{}

	var mu sync.Mutex
	var exits []Request
	f.bus.Subscribe(schema.TopicOrderRequest, func(last bool, msg bus.Message) {
		req := msg.Payload.(Request)
		if req.Note != "" {
			mu.Lock()
			exits = append(exits, req)
			mu.Unlock()
		}
	})

	f.quote(schema.SideAsk, 10000, 50)
	f.quote(schema.SideBid, 9990, 50)
	_, err := f.engine.Send(NewLimitOrder("FTSEMIB", 5, 10000, StopLoss{Price: 9900}), h)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(h.executed) != 1 {
		t.Fatalf("entry not executed: %d", len(h.executed))
	}

	// two bid updates below the stop, condition must fire exactly once
	f.quote(schema.SideBid, 9890, 20)
	f.quote(schema.SideBid, 9880, 20)

	mu.Lock()
	defer mu.Unlock()
	if len(exits) != 1 {
		t.Fatalf("condition exits: %d", len(exits))
	}
	if exits[0].Quantity != -5 || exits[0].Note != "stop-loss" {
		t.Fatalf("exit request: %+v", exits[0])
	}
}

func TestTakeProfitShortSide(t *testing.T) {
	tp := TakeProfit{Price: 9800}
	bid := &schema.BookOrder{Price: 9900}
	ask := &schema.BookOrder{Price: 9790}
	if tp.Triggered(-5, bid, ask) != true {
		t.Fatalf("short take-profit should trigger when ask reaches target")
	}
	if tp.Triggered(5, &schema.BookOrder{Price: 9700}, nil) {
		t.Fatalf("long take-profit below target triggered")
	}
}

func TestHandlerPanicDoesNotRollBack(t *testing.T) {
	f := newFixture(t)

	var errSeen bool
	f.bus.Subscribe(schema.TopicInternalErrors, func(last bool, msg bus.Message) {
		errSeen = true
	})

	f.quote(schema.SideAsk, 10000, 50)
	id, err := f.engine.Send(NewLimitOrder("FTSEMIB", 5, 10000), panicHandler{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_, status, _ := f.engine.OrderByID(id)
	if status != StatusExecuted {
		t.Fatalf("panic rolled back execution: %s", status)
	}
	if !errSeen {
		t.Fatalf("handler panic not reported")
	}
}

type panicHandler struct{ NopHandler }

func (panicHandler) OnOrderExecuted(schema.ExecutionReport) { panic("strategy bug") }

func TestPendingQueries(t *testing.T) {
	f := newFixture(t)

	if f.engine.HasPendingOrders() {
		t.Fatalf("fresh engine has pending orders")
	}
	id, _ := f.engine.Send(NewLimitOrder("FTSEMIB", 5, 10000), nil)
	if !f.engine.HasPendingOrders() || !f.engine.HasPendingOrdersFor("FTSEMIB") {
		t.Fatalf("pending order not reported")
	}
	if f.engine.HasPendingOrdersFor("DAX") {
		t.Fatalf("pending reported for wrong symbol")
	}
	f.engine.Cancel(id)
	if f.engine.HasPendingOrders() {
		t.Fatalf("cancelled order still pending")
	}
}

func TestZeroQuantityRefused(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Send(NewLimitOrder("FTSEMIB", 0, 10000), nil); err != ErrZeroQuantity {
		t.Fatalf("expected ErrZeroQuantity, got %v", err)
	}
}
