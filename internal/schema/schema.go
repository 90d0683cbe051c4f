package schema

// Price is a scaled integer. The scale is defined by configuration.
type Price int64

// Quantity is a scaled integer. Sign carries direction: positive buys,
// negative sells.
type Quantity int64

// Scale is the number of decimal places used by a scaled integer.
// Example: Scale=8 means the integer value is scaled by 1e8.
type Scale int32

// Multiplier returns the power of ten the scale represents.
func (s Scale) Multiplier() int64 {
	m := int64(1)
	for i := Scale(0); i < s; i++ {
		m *= 10
	}
	return m
}

// Side describes which side of the book a quote belongs to.
type Side uint8

const (
	SideUnknown Side = iota
	SideBid
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// BookOrder is a best-level quote update for one side of a symbol's book.
type BookOrder struct {
	Symbol   string
	Time     int64
	Side     Side
	Level    int32
	Price    Price
	Quantity Quantity
}

// Bar is an aggregated OHLCV candle.
type Bar struct {
	Symbol string
	Open   Price
	High   Price
	Low    Price
	Close  Price
	Volume Quantity
	Time   int64
}

// ExecutionReport is published on the executed-order topic for every
// full or partial fill. Quantity keeps the sign of the originating
// request.
type ExecutionReport struct {
	OrderID  uint64
	Symbol   string
	Price    Price
	Quantity Quantity
	Time     int64
	Note     string
}

// ServiceStatus reports the outcome of a lifecycle operation on a
// single service.
type ServiceStatus struct {
	ServiceID string
	Op        string
	Message   string
	Err       error
}

// Error is the payload for the internal-errors and strategy-errors
// topics.
type Error struct {
	Origin string
	Err    error
}
