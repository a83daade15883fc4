// Package models defines the domain types shared across the gateway:
// contracts, orders, positions, market ticks, and the event/request frames
// exchanged with the trading terminal.
package models

import (
	"strings"
	"time"
)

// Contract identifies a tradable instrument.
type Contract struct {
	Symbol   string `json:"symbol"`
	SecType  string `json:"secType"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// Normalize fills in the defaults used by the terminal for omitted fields.
func (c Contract) Normalize() Contract {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.SecType == "" {
		c.SecType = "STK"
	}
	if c.Exchange == "" {
		c.Exchange = "SMART"
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	return c
}

// OrderAction is the side of an order.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// OrderType describes how an order is priced.
type OrderType string

const (
	OrderTypeMarket OrderType = "MKT"
	OrderTypeLimit  OrderType = "LMT"
	OrderTypeStop   OrderType = "STP"
)

// OrderStatus is the lifecycle state of an order as reconciled from terminal
// status events.
type OrderStatus string

const (
	StatusPendingSubmit   OrderStatus = "PendingSubmit"
	StatusSubmitted       OrderStatus = "Submitted"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
)

// statusRank orders statuses for the monotonic-transition rule. Terminal
// states share the highest rank; an event may never move an order to a lower
// rank than the one already recorded.
var statusRank = map[OrderStatus]int{
	StatusPendingSubmit:   0,
	StatusSubmitted:       1,
	StatusPartiallyFilled: 2,
	StatusFilled:          3,
	StatusCancelled:       3,
	StatusRejected:        3,
}

// Rank returns the monotonic ordering rank of the status. Unknown statuses
// rank lowest so they can never regress a tracked order.
func (s OrderStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// OrderRequest is the caller's intent to place an order.
type OrderRequest struct {
	ClientRequestID string      `json:"clientRequestId,omitempty"`
	Contract        Contract    `json:"contract"`
	Action          OrderAction `json:"action"`
	Quantity        float64     `json:"quantity"`
	OrderType       OrderType   `json:"orderType"`
	LimitPrice      float64     `json:"limitPrice,omitempty"`
	StopPrice       float64     `json:"stopPrice,omitempty"`
}

// Order is the ledger's authoritative view of a single order.
type Order struct {
	OrderID         int64       `json:"orderId"`
	ClientRequestID string      `json:"clientRequestId,omitempty"`
	Contract        Contract    `json:"contract"`
	Action          OrderAction `json:"action"`
	TotalQuantity   float64     `json:"totalQuantity"`
	OrderType       OrderType   `json:"orderType"`
	LimitPrice      float64     `json:"limitPrice,omitempty"`
	StopPrice       float64     `json:"stopPrice,omitempty"`
	Status          OrderStatus `json:"status"`
	FilledQuantity  float64     `json:"filledQuantity"`
	RemainingQty    float64     `json:"remainingQuantity"`
	AvgFillPrice    float64     `json:"avgFillPrice"`
	LastFillPrice   float64     `json:"lastFillPrice"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Position is one (account, contract) holding derived from terminal
// snapshots and deltas.
type Position struct {
	Account       string   `json:"account"`
	Contract      Contract `json:"contract"`
	NetQuantity   float64  `json:"position"`
	AvgCost       float64  `json:"avgCost"`
	MarketPrice   float64  `json:"marketPrice"`
	MarketValue   float64  `json:"marketValue"`
	UnrealizedPNL float64  `json:"unrealizedPNL"`
	RealizedPNL   float64  `json:"realizedPNL"`
}

// Key identifies the position within the cache.
func (p Position) Key() string {
	return p.Account + "|" + p.Contract.Symbol + "|" + p.Contract.SecType + "|" + p.Contract.Currency
}

// AccountSummary is the terminal's view of the account's financial metrics.
type AccountSummary struct {
	AccountID      string    `json:"account_id"`
	Type           string    `json:"type"`
	Currency       string    `json:"currency"`
	Balance        float64   `json:"balance"`
	Equity         float64   `json:"equity"`
	Margin         float64   `json:"margin"`
	AvailableFunds float64   `json:"available_funds"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MarketTick is the latest price/volume update for one symbol. The hub keeps
// only the most recent tick per symbol; history is an archiver concern.
type MarketTick struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}
