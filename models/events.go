package models

import "time"

// EventType discriminates the inbound frames arriving from the terminal.
type EventType string

const (
	EventOrderStatus      EventType = "orderStatus"
	EventPositionSnapshot EventType = "positionSnapshot"
	EventPositionDelta    EventType = "positionDelta"
	EventAccountSummary   EventType = "accountSummary"
	EventTick             EventType = "tick"
)

// Event is one inbound frame from the terminal stream. Exactly one payload
// pointer matching Type is set.
type Event struct {
	Type             EventType              `json:"type"`
	OrderStatus      *OrderStatusEvent      `json:"orderStatus,omitempty"`
	PositionSnapshot *PositionSnapshotEvent `json:"positionSnapshot,omitempty"`
	PositionDelta    *PositionDeltaEvent    `json:"positionDelta,omitempty"`
	AccountSummary   *AccountSummaryEvent   `json:"accountSummary,omitempty"`
	Tick             *MarketTick            `json:"tick,omitempty"`
}

// IsTick reports whether the event carries market data. Tick events are the
// only kind the dispatcher is allowed to shed under backpressure.
func (e Event) IsTick() bool {
	return e.Type == EventTick
}

// OrderStatusEvent reports a state change for one order. Contract, Action and
// TotalQuantity are populated by the terminal so that orders unknown to this
// process (placed before a restart) can be adopted into the ledger.
type OrderStatusEvent struct {
	OrderID        int64       `json:"orderId"`
	Status         OrderStatus `json:"status"`
	FilledQuantity float64     `json:"filledQuantity"`
	AvgFillPrice   float64     `json:"avgFillPrice"`
	LastFillPrice  float64     `json:"lastFillPrice"`
	Contract       Contract    `json:"contract"`
	Action         OrderAction `json:"action,omitempty"`
	TotalQuantity  float64     `json:"totalQuantity,omitempty"`
	OrderType      OrderType   `json:"orderType,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// PositionSnapshotEvent carries the complete set of open positions. It
// replaces the position cache wholesale.
type PositionSnapshotEvent struct {
	Positions []Position `json:"positions"`
	Timestamp time.Time  `json:"timestamp"`
}

// PositionDeltaEvent patches a single (account, contract) entry.
type PositionDeltaEvent struct {
	Position  Position  `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// AccountSummaryEvent refreshes the account's financial metrics.
type AccountSummaryEvent struct {
	Account   AccountSummary `json:"account"`
	Timestamp time.Time      `json:"timestamp"`
}
