package transport

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"ibgate/config"
	"ibgate/models"
)

// SimDialer runs an in-process simulated terminal. Orders are acknowledged
// and filled, subscribed symbols produce a synthetic tick stream, and a
// position snapshot arrives right after connecting. It exists so the gateway
// can run end-to-end without a terminal bridge.
type SimDialer struct{}

// Dial starts a simulated terminal session.
func (d *SimDialer) Dial(_ context.Context, cfg config.TerminalConfig) (Conn, TerminalInfo, error) {
	c := &SimConn{
		account: cfg.AccountID,
		events:  make(chan models.Event, eventBuffer),
		orders:  make(map[int64]*simOrder),
		subs:    make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
	if c.account == "" {
		c.account = "sim"
	}

	c.spawn(c.emitOpeningState)

	return c, TerminalInfo{Version: "simulated-terminal/1.0"}, nil
}

type simOrder struct {
	req      models.PlaceOrderRequest
	terminal bool
}

// SimConn is one simulated terminal connection.
type SimConn struct {
	account string
	events  chan models.Event

	mu     sync.Mutex
	orders map[int64]*simOrder
	subs   map[string]chan struct{}

	// wg tracks every goroutine that may send on events, so Close can wait
	// for all producers to exit before closing the channel.
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// spawn starts an event producer, refusing once the connection is closed.
// The done check and the WaitGroup add happen under the lock Close takes
// before waiting, so no producer can start after the wait begins.
func (c *SimConn) spawn(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *SimConn) Events() <-chan models.Event {
	return c.events
}

func (c *SimConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		for _, stop := range c.subs {
			close(stop)
		}
		c.subs = map[string]chan struct{}{}
		c.mu.Unlock()

		// The channel closing signals transport loss to the consumer, so it
		// must still close, but only after every producer has exited.
		c.wg.Wait()
		close(c.events)
	})
	return nil
}

// Send handles one request frame the way the live terminal would, emitting
// the corresponding status events asynchronously.
func (c *SimConn) Send(_ context.Context, req models.Request) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
	}

	switch req.Type {
	case models.RequestPlaceOrder:
		if req.PlaceOrder == nil {
			return fmt.Errorf("placeOrder payload missing")
		}
		c.mu.Lock()
		c.orders[req.PlaceOrder.OrderID] = &simOrder{req: *req.PlaceOrder}
		c.mu.Unlock()
		order := *req.PlaceOrder
		c.spawn(func() { c.fillOrder(order) })
	case models.RequestCancelOrder:
		if req.CancelOrder == nil {
			return fmt.Errorf("cancelOrder payload missing")
		}
		orderID := req.CancelOrder.OrderID
		c.spawn(func() { c.cancelOrder(orderID) })
	case models.RequestSubscribeTick:
		if req.MarketData == nil {
			return fmt.Errorf("marketData payload missing")
		}
		c.startTicks(req.MarketData.Symbol)
	case models.RequestUnsubscribeTick:
		if req.MarketData == nil {
			return fmt.Errorf("marketData payload missing")
		}
		c.stopTicks(req.MarketData.Symbol)
	default:
		return fmt.Errorf("unknown request type '%s'", req.Type)
	}
	return nil
}

func (c *SimConn) emit(ev models.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// emitOpeningState delivers the account summary and position snapshot a live
// terminal pushes right after login.
func (c *SimConn) emitOpeningState() {
	now := time.Now().UTC()
	c.emit(models.Event{
		Type: models.EventAccountSummary,
		AccountSummary: &models.AccountSummaryEvent{
			Account: models.AccountSummary{
				AccountID:      c.account,
				Type:           "securities",
				Currency:       "USD",
				Balance:        10000.0,
				Equity:         10500.0,
				Margin:         2000.0,
				AvailableFunds: 8000.0,
				UpdatedAt:      now,
			},
			Timestamp: now,
		},
	})
	c.emit(models.Event{
		Type: models.EventPositionSnapshot,
		PositionSnapshot: &models.PositionSnapshotEvent{
			Positions: []models.Position{},
			Timestamp: now,
		},
	})
}

func (c *SimConn) fillOrder(req models.PlaceOrderRequest) {
	c.emitStatus(req, models.StatusSubmitted, 0, 0)

	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	o, ok := c.orders[req.OrderID]
	if !ok || o.terminal {
		c.mu.Unlock()
		return
	}
	o.terminal = true
	c.mu.Unlock()

	price := req.LimitPrice
	if req.OrderType != models.OrderTypeLimit || price <= 0 {
		price = basePrice(req.Contract.Symbol)
	}
	c.emitStatus(req, models.StatusFilled, req.Quantity, price)

	// Reflect the fill in the position stream.
	qty := req.Quantity
	if req.Action == models.ActionSell {
		qty = -qty
	}
	c.emit(models.Event{
		Type: models.EventPositionDelta,
		PositionDelta: &models.PositionDeltaEvent{
			Position: models.Position{
				Account:     c.account,
				Contract:    req.Contract,
				NetQuantity: qty,
				AvgCost:     price,
				MarketPrice: price,
				MarketValue: qty * price,
			},
			Timestamp: time.Now().UTC(),
		},
	})
}

func (c *SimConn) cancelOrder(orderID int64) {
	c.mu.Lock()
	o, ok := c.orders[orderID]
	if !ok || o.terminal {
		c.mu.Unlock()
		return
	}
	o.terminal = true
	req := o.req
	c.mu.Unlock()

	c.emitStatus(req, models.StatusCancelled, 0, 0)
}

func (c *SimConn) emitStatus(req models.PlaceOrderRequest, status models.OrderStatus, filled, price float64) {
	c.emit(models.Event{
		Type: models.EventOrderStatus,
		OrderStatus: &models.OrderStatusEvent{
			OrderID:        req.OrderID,
			Status:         status,
			FilledQuantity: filled,
			AvgFillPrice:   price,
			LastFillPrice:  price,
			Contract:       req.Contract,
			Action:         req.Action,
			TotalQuantity:  req.Quantity,
			OrderType:      req.OrderType,
			Timestamp:      time.Now().UTC(),
		},
	})
}

func (c *SimConn) startTicks(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	if _, ok := c.subs[symbol]; ok {
		return
	}
	stop := make(chan struct{})
	c.subs[symbol] = stop
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.tickLoop(symbol, stop)
	}()
}

func (c *SimConn) stopTicks(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.subs[symbol]; ok {
		close(stop)
		delete(c.subs, symbol)
	}
}

func (c *SimConn) tickLoop(symbol string, stop chan struct{}) {
	base := basePrice(symbol)
	last := base
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	emitTick := func() {
		last = last + (rng.Float64()-0.5)*base*0.002
		spread := base * 0.0005
		c.emit(models.Event{
			Type: models.EventTick,
			Tick: &models.MarketTick{
				Symbol:    symbol,
				Bid:       last - spread,
				Ask:       last + spread,
				Last:      last,
				High:      last * 1.01,
				Low:       last * 0.99,
				Volume:    rng.Int63n(5000000),
				Timestamp: time.Now().UTC(),
			},
		})
	}

	emitTick()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			emitTick()
		}
	}
}

// basePrice derives a stable synthetic reference price from the symbol name.
func basePrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 50.0 + float64(h.Sum32()%4500)/10.0
}
