package schema

// Topic names. Book topics are per symbol and built with AskBookTopic
// and BidBookTopic; subscribing to a prefix plus Wildcard receives
// every symbol.
const (
	TopicStrategyEvent  = "strategy-event"
	TopicExecutedOrder  = "executed-order"
	TopicOrderRequest   = "order-request"
	TopicCancelRequest  = "cancel-request"
	TopicServiceStatus  = "service-status"
	TopicInternalErrors = "internal-errors"
	TopicStrategyErrors = "strategy-errors"
	TopicTick           = "tick"

	askBookPrefix = "ask-book/"
	bidBookPrefix = "bid-book/"

	// Wildcard marks the tail of a prefix subscription.
	Wildcard = "*"
)

// AskBookTopic returns the ask side book topic for a symbol.
func AskBookTopic(symbol string) string {
	return askBookPrefix + symbol
}

// BidBookTopic returns the bid side book topic for a symbol.
func BidBookTopic(symbol string) string {
	return bidBookPrefix + symbol
}

// AskBookWildcard matches the ask side book of every symbol.
func AskBookWildcard() string {
	return askBookPrefix + Wildcard
}

// BidBookWildcard matches the bid side book of every symbol.
func BidBookWildcard() string {
	return bidBookPrefix + Wildcard
}

// BookTopic returns the book topic for a side and symbol.
func BookTopic(side Side, symbol string) string {
	if side == SideAsk {
		return AskBookTopic(symbol)
	}
	return BidBookTopic(symbol)
}
