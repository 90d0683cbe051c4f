// Package asset keeps the tradable instrument registry and the latest
// best bid/ask per symbol, fed from the book topics.
package asset

import (
	"fmt"
	"sync"

	"dynami/internal/bus"
	"dynami/internal/ops"
	"dynami/internal/schema"
)

// Service caches instruments and live quotes. It subscribes to the
// book topics of every symbol through wildcard subscriptions.
type Service struct {
	bus bus.Bus

	mu          sync.RWMutex
	instruments map[string]ops.Instrument
	books       map[string]*book

	askSub *bus.Subscription
	bidSub *bus.Subscription
}

type book struct {
	bid *schema.BookOrder
	ask *schema.BookOrder
}

// New creates an asset service on the given bus.
func New(b bus.Bus) *Service {
	return &Service{
		bus:         b,
		instruments: make(map[string]ops.Instrument),
		books:       make(map[string]*book),
	}
}

// ID implements the lifecycle service interface.
func (s *Service) ID() string { return "asset" }

// Init loads the configured instruments.
func (s *Service) Init(cfg *ops.Loaded) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range cfg.Instruments {
		if _, ok := s.instruments[inst.Symbol]; ok {
			return fmt.Errorf("duplicate instrument: %s", inst.Symbol)
		}
		s.instruments[inst.Symbol] = inst
	}
	return nil
}

// Start subscribes to the book topics of every symbol.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.askSub != nil {
		return nil
	}
	s.askSub = s.bus.Subscribe(schema.AskBookWildcard(), s.onBook)
	s.bidSub = s.bus.Subscribe(schema.BidBookWildcard(), s.onBook)
	return nil
}

// Stop drops the book subscriptions. Cached quotes survive so a
// resumed engine starts from the last known book.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.askSub != nil {
		s.bus.Unsubscribe(schema.AskBookWildcard(), s.askSub)
		s.bus.Unsubscribe(schema.BidBookWildcard(), s.bidSub)
		s.askSub, s.bidSub = nil, nil
	}
	return nil
}

// Resume re-subscribes to the book topics.
func (s *Service) Resume() error { return s.Start() }

// Dispose drops subscriptions and cached books.
func (s *Service) Dispose() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.books = make(map[string]*book)
	s.mu.Unlock()
	return nil
}

func (s *Service) onBook(last bool, msg bus.Message) {
	update, ok := msg.Payload.(schema.BookOrder)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bk := s.books[update.Symbol]
	if bk == nil {
		bk = &book{}
		s.books[update.Symbol] = bk
	}
	switch update.Side {
	case schema.SideBid:
		bk.bid = &update
	case schema.SideAsk:
		bk.ask = &update
	}
}

// Instrument returns the configured instrument for a symbol.
func (s *Service) Instrument(symbol string) (ops.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[symbol]
	return inst, ok
}

// Instruments returns every configured instrument.
func (s *Service) Instruments() []ops.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ops.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst)
	}
	return out
}

// BestBid returns the latest bid side quote for a symbol.
func (s *Service) BestBid(symbol string) (schema.BookOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bk := s.books[symbol]; bk != nil && bk.bid != nil {
		return *bk.bid, true
	}
	return schema.BookOrder{}, false
}

// BestAsk returns the latest ask side quote for a symbol.
func (s *Service) BestAsk(symbol string) (schema.BookOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bk := s.books[symbol]; bk != nil && bk.ask != nil {
		return *bk.ask, true
	}
	return schema.BookOrder{}, false
}
