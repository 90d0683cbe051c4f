// Package portfolio reduces execution reports into net positions.
package portfolio

import (
	"sync"

	"dynami/internal/bus"
	"dynami/internal/ops"
	"dynami/internal/schema"
)

// Service accumulates the signed fill quantity per symbol from the
// executed-order topic.
type Service struct {
	bus bus.Bus

	mu        sync.RWMutex
	positions map[string]schema.Quantity
	avgPrice  map[string]schema.Price
	sub       *bus.Subscription
}

// New creates a portfolio service on the given bus.
func New(b bus.Bus) *Service {
	return &Service{
		bus:       b,
		positions: make(map[string]schema.Quantity),
		avgPrice:  make(map[string]schema.Price),
	}
}

// ID implements the lifecycle service interface.
func (s *Service) ID() string { return "portfolio" }

// Init implements the lifecycle service interface.
func (s *Service) Init(cfg *ops.Loaded) error { return nil }

// Start subscribes to execution reports.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		s.sub = s.bus.Subscribe(schema.TopicExecutedOrder, s.onReport)
	}
	return nil
}

// Stop drops the subscription. Positions survive a pause.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		s.bus.Unsubscribe(schema.TopicExecutedOrder, s.sub)
		s.sub = nil
	}
	return nil
}

// Resume re-subscribes to execution reports.
func (s *Service) Resume() error { return s.Start() }

// Dispose drops the subscription and clears positions.
func (s *Service) Dispose() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.positions = make(map[string]schema.Quantity)
	s.avgPrice = make(map[string]schema.Price)
	s.mu.Unlock()
	return nil
}

func (s *Service) onReport(last bool, msg bus.Message) {
	report, ok := msg.Payload.(schema.ExecutionReport)
	if !ok || report.Quantity == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.positions[report.Symbol]
	next := prev + report.Quantity
	s.positions[report.Symbol] = next

	// average entry price tracks position increases; flat resets it
	switch {
	case next == 0:
		s.avgPrice[report.Symbol] = 0
	case samesign(prev, next) && abs(next) > abs(prev):
		added := abs(report.Quantity)
		total := abs(prev) + added
		old := s.avgPrice[report.Symbol]
		s.avgPrice[report.Symbol] = schema.Price(
			(int64(old)*int64(abs(prev)) + int64(report.Price)*int64(added)) / int64(total))
	case !samesign(prev, next):
		s.avgPrice[report.Symbol] = report.Price
	}
}

// Position returns the net signed position for a symbol.
func (s *Service) Position(symbol string) schema.Quantity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[symbol]
}

// AvgPrice returns the average entry price of the open position.
func (s *Service) AvgPrice(symbol string) schema.Price {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.avgPrice[symbol]
}

// IsFlat reports whether no position is open for the symbol.
func (s *Service) IsFlat(symbol string) bool {
	return s.Position(symbol) == 0
}

// IsLong reports whether the symbol position is net long.
func (s *Service) IsLong(symbol string) bool {
	return s.Position(symbol) > 0
}

// Positions returns a copy of all non-flat positions.
func (s *Service) Positions() map[string]schema.Quantity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]schema.Quantity, len(s.positions))
	for sym, qty := range s.positions {
		if qty != 0 {
			out[sym] = qty
		}
	}
	return out
}

func abs(q schema.Quantity) schema.Quantity {
	if q < 0 {
		return -q
	}
	return q
}

func samesign(a, b schema.Quantity) bool {
	return (a >= 0) == (b >= 0)
}
