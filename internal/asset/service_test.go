package asset

import (
	"testing"

	"dynami/internal/bus"
	"dynami/internal/ops"
	"dynami/internal/schema"
)

func newTestService(t *testing.T) (*Service, bus.Bus) {
	t.Helper()
	b, err := bus.New(bus.Config{ForceSync: true}, nil)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(b.Dispose)
	svc := New(b)
	cfg := &ops.Loaded{Instruments: []ops.Instrument{
		{Symbol: "FTSEMIB", Name: "FTSE MIB Future", PriceScale: 2, QtyScale: 0},
	}}
	if err := svc.Init(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return svc, b
}

func TestBookCacheTracksBestQuotes(t *testing.T) {
	svc, b := newTestService(t)

	if _, ok := svc.BestAsk("FTSEMIB"); ok {
		t.Fatalf("ask before any quote")
	}

	b.PublishAsync(schema.AskBookTopic("FTSEMIB"), bus.Message{Payload: schema.BookOrder{
		Symbol: "FTSEMIB", Side: schema.SideAsk, Price: 2250050, Quantity: 10,
	}})
	b.PublishAsync(schema.BidBookTopic("FTSEMIB"), bus.Message{Payload: schema.BookOrder{
		Symbol: "FTSEMIB", Side: schema.SideBid, Price: 2249950, Quantity: 7,
	}})

	ask, ok := svc.BestAsk("FTSEMIB")
	if !ok || ask.Price != 2250050 {
		t.Fatalf("best ask: %+v ok=%v", ask, ok)
	}
	bid, ok := svc.BestBid("FTSEMIB")
	if !ok || bid.Price != 2249950 {
		t.Fatalf("best bid: %+v ok=%v", bid, ok)
	}

	// newer quote replaces the cached one
	b.PublishAsync(schema.AskBookTopic("FTSEMIB"), bus.Message{Payload: schema.BookOrder{
		Symbol: "FTSEMIB", Side: schema.SideAsk, Price: 2250100, Quantity: 3,
	}})
	ask, _ = svc.BestAsk("FTSEMIB")
	if ask.Price != 2250100 {
		t.Fatalf("stale ask kept: %+v", ask)
	}
}

func TestStopHaltsUpdates(t *testing.T) {
	svc, b := newTestService(t)

	b.PublishAsync(schema.AskBookTopic("FTSEMIB"), bus.Message{Payload: schema.BookOrder{
		Symbol: "FTSEMIB", Side: schema.SideAsk, Price: 100,
	}})
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	b.PublishAsync(schema.AskBookTopic("FTSEMIB"), bus.Message{Payload: schema.BookOrder{
		Symbol: "FTSEMIB", Side: schema.SideAsk, Price: 200,
	}})

	ask, ok := svc.BestAsk("FTSEMIB")
	if !ok || ask.Price != 100 {
		t.Fatalf("quote after stop: %+v ok=%v", ask, ok)
	}

	if err := svc.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	b.PublishAsync(schema.AskBookTopic("FTSEMIB"), bus.Message{Payload: schema.BookOrder{
		Symbol: "FTSEMIB", Side: schema.SideAsk, Price: 300,
	}})
	ask, _ = svc.BestAsk("FTSEMIB")
	if ask.Price != 300 {
		t.Fatalf("resume did not restore updates: %+v", ask)
	}
}

func TestInstrumentLookup(t *testing.T) {
	svc, _ := newTestService(t)

	inst, ok := svc.Instrument("FTSEMIB")
	if !ok || inst.Name != "FTSE MIB Future" || inst.PriceScale != 2 {
		t.Fatalf("instrument: %+v ok=%v", inst, ok)
	}
	if _, ok := svc.Instrument("DAX"); ok {
		t.Fatalf("unknown instrument found")
	}
	if got := len(svc.Instruments()); got != 1 {
		t.Fatalf("instruments: %d", got)
	}
}
