package domain

import "time"

type MessageKind uint8

const (
	MessageKindUnknown MessageKind = iota
	MessageKindSnapshot
	MessageKindDelta
	MessageKindTrade
	MessageKindHeartbeat
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindSnapshot:
		return "snapshot"
	case MessageKindDelta:
		return "delta"
	case MessageKindTrade:
		return "trade"
	case MessageKindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

func ParseMessageKind(s string) MessageKind {
	switch s {
	case "snapshot", "book", "Market":
		return MessageKindSnapshot
	case "delta", "l2update", "update":
		return MessageKindDelta
	case "trade", "trades", "Trades":
		return MessageKindTrade
	case "heartbeat", "HeartBeats", "ping":
		return MessageKindHeartbeat
	default:
		return MessageKindUnknown
	}
}

// MarketMessage is what a connector emits after decoding one exchange frame.
// Only the field matching Kind is set.
type MarketMessage struct {
	Kind       MessageKind
	ProviderID int
	Provider   string
	Symbol     string
	Received   time.Time

	Snapshot  *OrderBookSnapshot
	BidDeltas []*DeltaBookItem
	AskDeltas []*DeltaBookItem
	Trade     *Trade
}
