package models

// RequestType discriminates outbound frames sent to the terminal.
type RequestType string

const (
	RequestPlaceOrder      RequestType = "placeOrder"
	RequestCancelOrder     RequestType = "cancelOrder"
	RequestSubscribeTick   RequestType = "subscribeTick"
	RequestUnsubscribeTick RequestType = "unsubscribeTick"
)

// Request is one outbound frame. Exactly one payload pointer matching Type is
// set.
type Request struct {
	Type        RequestType         `json:"type"`
	PlaceOrder  *PlaceOrderRequest  `json:"placeOrder,omitempty"`
	CancelOrder *CancelOrderRequest `json:"cancelOrder,omitempty"`
	MarketData  *MarketDataRequest  `json:"marketData,omitempty"`
}

// PlaceOrderRequest forwards an accepted order to the terminal. The orderId
// is assigned by the ledger before the request leaves the process.
type PlaceOrderRequest struct {
	OrderID         int64       `json:"orderId"`
	ClientRequestID string      `json:"clientRequestId,omitempty"`
	Contract        Contract    `json:"contract"`
	Action          OrderAction `json:"action"`
	Quantity        float64     `json:"quantity"`
	OrderType       OrderType   `json:"orderType"`
	LimitPrice      float64     `json:"limitPrice,omitempty"`
	StopPrice       float64     `json:"stopPrice,omitempty"`
}

// CancelOrderRequest asks the terminal to cancel an open order.
type CancelOrderRequest struct {
	OrderID int64 `json:"orderId"`
}

// MarketDataRequest opens or closes the upstream tick feed for one symbol.
type MarketDataRequest struct {
	Symbol string `json:"symbol"`
}
