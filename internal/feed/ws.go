package feed

import (
	"context"
	"fmt"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"dynami/internal/bus"
	"dynami/internal/ops"
	"dynami/internal/schema"
)

// QuoteFeed streams live quotes from a websocket depth source and
// republishes the best levels onto the bus.
type QuoteFeed struct {
	bus bus.Bus
	wss *ws.WebSocket

	url       string
	symbols   []string
	scales    map[string]priceScales
	cancelObs func()
}

// NewQuoteFeed creates a websocket quote feed on the given bus.
func NewQuoteFeed(b bus.Bus) *QuoteFeed {
	return &QuoteFeed{
		bus:    b,
		scales: make(map[string]priceScales),
	}
}

// ID implements the lifecycle service interface.
func (f *QuoteFeed) ID() string { return "feed" }

// Init resolves the stream endpoint and per-symbol scales.
func (f *QuoteFeed) Init(cfg *ops.Loaded) error {
	f.url = cfg.Feed.WsURL
	f.symbols = cfg.Feed.Symbols
	if f.url == "" {
		return errors.New("feed websocket url not configured")
	}
	if len(f.symbols) == 0 {
		return errors.New("no feed symbols configured")
	}
	for _, inst := range cfg.Instruments {
		f.scales[inst.Symbol] = priceScales{price: inst.PriceScale, qty: inst.QtyScale}
	}
	return nil
}

// Start connects, subscribes the configured symbols and begins
// observing depth updates.
func (f *QuoteFeed) Start() error {
	ctx := context.Background()
	if f.wss == nil {
		f.wss = ws.New(ctx, f.url)
		if err := f.wss.Start(ctx); err != nil {
			return errors.Wrap(err, "start wss")
		}
		for _, symbol := range f.symbols {
			if err := f.subscribeDepth(ctx, symbol); err != nil {
				return errors.Wrap(err, "subscribe depth").With("symbol", symbol)
			}
		}
	}
	if f.cancelObs == nil {
		f.cancelObs = f.observeDepth(ctx)
	}
	return nil
}

// Stop halts republishing; the connection stays up.
func (f *QuoteFeed) Stop() error {
	if f.cancelObs != nil {
		f.cancelObs()
		f.cancelObs = nil
	}
	return nil
}

// Resume restarts republishing.
func (f *QuoteFeed) Resume() error { return f.Start() }

// Dispose closes the websocket.
func (f *QuoteFeed) Dispose() error {
	if err := f.Stop(); err != nil {
		return err
	}
	if f.wss != nil {
		f.wss.Close()
		f.wss = nil
	}
	return nil
}

type depthSubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type depthSubscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

const depthSubscribeID = 1

func (f *QuoteFeed) subscribeDepth(ctx context.Context, symbol string) error {
	if err := f.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			payload := depthSubscribeRequest{
				Method: "depth.subscribe",
				Params: []string{symbol},
				ID:     depthSubscribeID,
			}
			if err := client.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := ws.ReadMessage[depthSubscribeResponse](m)
			if !ok || resp.ID != depthSubscribeID {
				return false, nil
			}
			if resp.Result != nil {
				return false, errors.Errorf("subscribe refused: %+v", resp.Result)
			}
			return true, nil
		},
	}); err != nil {
		return errors.Wrap(err, "send and wait")
	}
	return nil
}

type wireDepth struct {
	Symbol string              `json:"symbol"`
	Time   int64               `json:"time"`
	Bids   [][]decimal.Decimal `json:"bids"` // [0]price [1]quantity
	Asks   [][]decimal.Decimal `json:"asks"` // [0]price [1]quantity
}

func (f *QuoteFeed) observeDepth(ctx context.Context) (unsubscribe func()) {
	ch, cancel := f.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				depth, ok := ws.ReadMessage[wireDepth](m)
				if !ok || depth.Symbol == "" {
					continue
				}
				f.republish(depth)
			}
		}
	}()

	return cancel
}

// republish converts the top of each depth side into a book update
// and an OnTick strategy event.
func (f *QuoteFeed) republish(depth wireDepth) {
	scales := f.scales[depth.Symbol]
	if len(depth.Bids) > 0 {
		f.republishLevel(depth, schema.SideBid, depth.Bids[0], scales)
	}
	if len(depth.Asks) > 0 {
		f.republishLevel(depth, schema.SideAsk, depth.Asks[0], scales)
	}
}

func (f *QuoteFeed) republishLevel(depth wireDepth, side schema.Side, level []decimal.Decimal, scales priceScales) {
	if len(level) < 2 {
		return
	}
	price, err := ParseScaled(fmt.Sprint(level[0]), scales.price)
	if err != nil {
		logs.Errorf("depth price %s: %+v", depth.Symbol, err)
		return
	}
	qty, err := ParseScaled(fmt.Sprint(level[1]), scales.qty)
	if err != nil {
		logs.Errorf("depth quantity %s: %+v", depth.Symbol, err)
		return
	}

	book := schema.BookOrder{
		Symbol:   depth.Symbol,
		Time:     depth.Time,
		Side:     side,
		Level:    1,
		Price:    schema.Price(price),
		Quantity: schema.Quantity(qty),
	}
	f.bus.PublishAsync(schema.BookTopic(side, depth.Symbol), bus.Message{Time: book.Time, Payload: book})
	f.bus.PublishAsync(schema.TopicTick, bus.Message{Time: book.Time, Payload: book})
	f.bus.PublishAsync(schema.TopicStrategyEvent, bus.Message{Time: book.Time, Payload: schema.Event{
		Symbol: depth.Symbol,
		Time:   depth.Time,
		Types:  schema.OnTick,
		Book:   &book,
	}})
}
