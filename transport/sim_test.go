package transport

import (
	"context"
	"testing"
	"time"

	"ibgate/config"
	"ibgate/models"
)

func dialSim(t *testing.T) *SimConn {
	t.Helper()
	conn, info, err := (&SimDialer{}).Dial(context.Background(), config.TerminalConfig{AccountID: "DU1"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if info.Version == "" {
		t.Error("expected a terminal version")
	}
	c := conn.(*SimConn)
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *SimConn, kind models.EventType) models.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event channel closed while waiting")
			}
			if ev.Type == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event before timeout", kind)
		}
	}
}

func TestSimEmitsOpeningState(t *testing.T) {
	c := dialSim(t)

	account := nextEvent(t, c, models.EventAccountSummary)
	if account.AccountSummary.Account.AccountID != "DU1" {
		t.Errorf("unexpected account: %+v", account.AccountSummary.Account)
	}

	snapshot := nextEvent(t, c, models.EventPositionSnapshot)
	if snapshot.PositionSnapshot == nil {
		t.Fatal("snapshot payload missing")
	}
}

func TestSimOrderLifecycle(t *testing.T) {
	c := dialSim(t)

	err := c.Send(context.Background(), models.Request{
		Type: models.RequestPlaceOrder,
		PlaceOrder: &models.PlaceOrderRequest{
			OrderID:   1,
			Contract:  models.Contract{Symbol: "AAPL", SecType: "STK"},
			Action:    models.ActionBuy,
			Quantity:  100,
			OrderType: models.OrderTypeLimit,
			LimitPrice: 187.50,
		},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	submitted := nextEvent(t, c, models.EventOrderStatus)
	if submitted.OrderStatus.Status != models.StatusSubmitted {
		t.Errorf("expected Submitted first, got %s", submitted.OrderStatus.Status)
	}

	filled := nextEvent(t, c, models.EventOrderStatus)
	if filled.OrderStatus.Status != models.StatusFilled {
		t.Errorf("expected Filled, got %s", filled.OrderStatus.Status)
	}
	if filled.OrderStatus.FilledQuantity != 100 || filled.OrderStatus.AvgFillPrice != 187.50 {
		t.Errorf("limit orders fill at the limit price: %+v", filled.OrderStatus)
	}

	delta := nextEvent(t, c, models.EventPositionDelta)
	if delta.PositionDelta.Position.NetQuantity != 100 {
		t.Errorf("fill should move the position: %+v", delta.PositionDelta.Position)
	}
}

func TestSimCancelAfterFillIsIgnored(t *testing.T) {
	c := dialSim(t)

	if err := c.Send(context.Background(), models.Request{
		Type: models.RequestPlaceOrder,
		PlaceOrder: &models.PlaceOrderRequest{
			OrderID: 2, Contract: models.Contract{Symbol: "AAPL"},
			Action: models.ActionBuy, Quantity: 1, OrderType: models.OrderTypeMarket,
		},
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	nextEvent(t, c, models.EventOrderStatus) // Submitted
	filled := nextEvent(t, c, models.EventOrderStatus)
	if filled.OrderStatus.Status != models.StatusFilled {
		t.Fatalf("expected Filled, got %s", filled.OrderStatus.Status)
	}

	if err := c.Send(context.Background(), models.Request{
		Type:        models.RequestCancelOrder,
		CancelOrder: &models.CancelOrderRequest{OrderID: 2},
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// No Cancelled event may follow for a filled order.
	select {
	case ev, ok := <-c.Events():
		if ok && ev.Type == models.EventOrderStatus && ev.OrderStatus.Status == models.StatusCancelled {
			t.Error("filled order must not be cancelled")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSimTickStream(t *testing.T) {
	c := dialSim(t)

	if err := c.Send(context.Background(), models.Request{
		Type:       models.RequestSubscribeTick,
		MarketData: &models.MarketDataRequest{Symbol: "AAPL"},
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	tick := nextEvent(t, c, models.EventTick)
	if tick.Tick.Symbol != "AAPL" {
		t.Errorf("unexpected tick symbol %q", tick.Tick.Symbol)
	}
	if tick.Tick.Bid >= tick.Tick.Ask {
		t.Errorf("bid %v should be below ask %v", tick.Tick.Bid, tick.Tick.Ask)
	}

	if err := c.Send(context.Background(), models.Request{
		Type:       models.RequestUnsubscribeTick,
		MarketData: &models.MarketDataRequest{Symbol: "AAPL"},
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestSimCloseWhileProducersActive(t *testing.T) {
	// Close must wait for the opening state, fill, and tick goroutines to
	// exit before closing the event channel; racing them used to crash.
	for i := 0; i < 20; i++ {
		conn, _, err := (&SimDialer{}).Dial(context.Background(), config.TerminalConfig{AccountID: "DU1"})
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		c := conn.(*SimConn)

		if err := c.Send(context.Background(), models.Request{
			Type:       models.RequestSubscribeTick,
			MarketData: &models.MarketDataRequest{Symbol: "AAPL"},
		}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if err := c.Send(context.Background(), models.Request{
			Type: models.RequestPlaceOrder,
			PlaceOrder: &models.PlaceOrderRequest{
				OrderID: int64(i + 1), Contract: models.Contract{Symbol: "AAPL"},
				Action: models.ActionBuy, Quantity: 1, OrderType: models.OrderTypeMarket,
			},
		}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		// Drain concurrently so blocked producers can make progress.
		drained := make(chan struct{})
		go func() {
			for range c.Events() {
			}
			close(drained)
		}()

		c.Close()

		select {
		case <-drained:
		case <-time.After(2 * time.Second):
			t.Fatal("event channel did not close after Close")
		}
	}
}

func TestSimSendAfterClose(t *testing.T) {
	c := dialSim(t)
	c.Close()
	c.Close() // idempotent

	err := c.Send(context.Background(), models.Request{
		Type:       models.RequestSubscribeTick,
		MarketData: &models.MarketDataRequest{Symbol: "AAPL"},
	})
	if err == nil {
		t.Error("send on a closed connection should fail")
	}
}

func TestSimUnknownRequest(t *testing.T) {
	c := dialSim(t)
	if err := c.Send(context.Background(), models.Request{Type: "teleport"}); err == nil {
		t.Error("unknown request type should fail")
	}
}

func TestBasePriceStableAndBounded(t *testing.T) {
	a := basePrice("AAPL")
	if a != basePrice("AAPL") {
		t.Error("base price must be stable per symbol")
	}
	if a < 50.0 || a > 500.0 {
		t.Errorf("base price %v out of range", a)
	}
}
