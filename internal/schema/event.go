package schema

// EventType is a bitmask describing what a strategy event carries.
// A single event may flag several types at once, e.g. the tick that
// opens a new bar.
type EventType uint16

const (
	OnTick EventType = 1 << iota
	OnBarOpen
	OnBarClose
	OnDayOpen
	OnDayClose
	NoMoreData

	EveryEvent EventType = OnTick | OnBarOpen | OnBarClose | OnDayOpen | OnDayClose | NoMoreData
)

// Event is the payload carried on the strategy-event topic.
type Event struct {
	Symbol string
	Time   int64
	Types  EventType
	Book   *BookOrder
	Bar    *Bar
}

// Is reports whether the event flags the given type.
func (e Event) Is(t EventType) bool {
	return e.Types&t != 0
}

// IsOneOf reports whether the event flags at least one of the given types.
func (e Event) IsOneOf(types ...EventType) bool {
	for _, t := range types {
		if e.Types&t != 0 {
			return true
		}
	}
	return false
}
