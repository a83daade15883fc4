// Package ledger keeps the authoritative in-memory view of all orders placed
// through the gateway and reconciles it against the terminal's status event
// stream.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ibgate/logger"
	"ibgate/models"
)

// Sender is the slice of the session manager the ledger needs: forwarding
// requests and checking liveness. Placement never blocks on the remote
// acknowledgement; that arrives later as a status event.
type Sender interface {
	Send(ctx context.Context, req models.Request) error
	Connected() bool
}

type entry struct {
	mu    sync.Mutex
	order models.Order
}

// Ledger tracks orders by their process-local monotonically increasing id.
type Ledger struct {
	sender Sender
	log    *logger.Log

	mu     sync.RWMutex
	orders map[int64]*entry
	nextID int64
}

// New creates an empty ledger forwarding through the given sender.
func New(sender Sender) *Ledger {
	return &Ledger{
		sender: sender,
		log:    logger.GetLogger(),
		orders: make(map[int64]*entry),
	}
}

// Place validates the request, records the order as PendingSubmit, and
// forwards it to the terminal. The returned order reflects local acceptance
// only; fills and rejections arrive through ApplyStatus.
func (l *Ledger) Place(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	if !l.sender.Connected() {
		return models.Order{}, models.ErrServiceUnavailable
	}
	if err := validate(&req); err != nil {
		return models.Order{}, err
	}

	if req.ClientRequestID == "" {
		req.ClientRequestID = uuid.New().String()
	}

	now := time.Now().UTC()
	order := models.Order{
		OrderID:         atomic.AddInt64(&l.nextID, 1),
		ClientRequestID: req.ClientRequestID,
		Contract:        req.Contract,
		Action:          req.Action,
		TotalQuantity:   req.Quantity,
		OrderType:       req.OrderType,
		LimitPrice:      req.LimitPrice,
		StopPrice:       req.StopPrice,
		Status:          models.StatusPendingSubmit,
		FilledQuantity:  0,
		RemainingQty:    req.Quantity,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	l.mu.Lock()
	l.orders[order.OrderID] = &entry{order: order}
	l.mu.Unlock()

	forward := models.Request{
		Type: models.RequestPlaceOrder,
		PlaceOrder: &models.PlaceOrderRequest{
			OrderID:         order.OrderID,
			ClientRequestID: order.ClientRequestID,
			Contract:        order.Contract,
			Action:          order.Action,
			Quantity:        order.TotalQuantity,
			OrderType:       order.OrderType,
			LimitPrice:      order.LimitPrice,
			StopPrice:       order.StopPrice,
		},
	}
	if err := l.sender.Send(ctx, forward); err != nil {
		l.mu.Lock()
		delete(l.orders, order.OrderID)
		l.mu.Unlock()
		return models.Order{}, fmt.Errorf("%w: forward order: %v", models.ErrServiceUnavailable, err)
	}

	logger.IncrementCounter("orders_placed")
	l.log.WithComponent("ledger").WithFields(logger.Fields{
		"order_id":          order.OrderID,
		"client_request_id": order.ClientRequestID,
		"symbol":            order.Contract.Symbol,
		"action":            order.Action,
		"quantity":          order.TotalQuantity,
		"order_type":        order.OrderType,
	}).Info("order accepted")

	return order, nil
}

// Cancel requests cancellation of an open order. Cancelling an order that
// already reached a terminal state succeeds without side effects; the status
// stays unchanged until the terminal confirms Cancelled.
func (l *Ledger) Cancel(ctx context.Context, orderID int64) error {
	l.mu.RLock()
	e, ok := l.orders[orderID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: order %d", models.ErrNotFound, orderID)
	}

	e.mu.Lock()
	terminal := e.order.Status.Terminal()
	e.mu.Unlock()
	if terminal {
		return nil
	}

	if !l.sender.Connected() {
		return models.ErrServiceUnavailable
	}

	req := models.Request{
		Type:        models.RequestCancelOrder,
		CancelOrder: &models.CancelOrderRequest{OrderID: orderID},
	}
	if err := l.sender.Send(ctx, req); err != nil {
		return fmt.Errorf("%w: forward cancel: %v", models.ErrServiceUnavailable, err)
	}

	l.log.WithComponent("ledger").WithFields(logger.Fields{"order_id": orderID}).Info("cancel requested")
	return nil
}

// Get returns a copy of the tracked order.
func (l *Ledger) Get(orderID int64) (models.Order, bool) {
	l.mu.RLock()
	e, ok := l.orders[orderID]
	l.mu.RUnlock()
	if !ok {
		return models.Order{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order, true
}

// List returns copies of all tracked orders, oldest first.
func (l *Ledger) List() []models.Order {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.orders))
	for _, e := range l.orders {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	orders := make([]models.Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		orders = append(orders, e.order)
		e.mu.Unlock()
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderID < orders[j].OrderID })
	return orders
}

// ApplyStatus reconciles one inbound status event. Events for unknown order
// ids (placed by a previous process against the same terminal) are adopted
// into the ledger. Events carrying a status behind the recorded one are
// logged as anomalies and dropped; stored state never regresses.
func (l *Ledger) ApplyStatus(ev models.OrderStatusEvent) {
	log := l.log.WithComponent("ledger")

	l.mu.Lock()
	e, ok := l.orders[ev.OrderID]
	if !ok {
		e = &entry{order: adopt(ev)}
		l.orders[ev.OrderID] = e
		// Keep locally assigned ids ahead of anything seen on the wire.
		for {
			cur := atomic.LoadInt64(&l.nextID)
			if ev.OrderID <= cur || atomic.CompareAndSwapInt64(&l.nextID, cur, ev.OrderID) {
				break
			}
		}
		l.mu.Unlock()
		logger.IncrementCounter("orders_adopted")
		log.WithFields(logger.Fields{"order_id": ev.OrderID, "status": ev.Status}).Info("adopted foreign order from status event")
		return
	}
	l.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	cur := &e.order

	newRank := ev.Status.Rank()
	curRank := cur.Status.Rank()

	switch {
	case newRank < 0:
		log.WithFields(logger.Fields{"order_id": ev.OrderID, "status": ev.Status}).Warn("unknown status in event, ignoring")
		return
	case newRank < curRank,
		cur.Status.Terminal() && ev.Status != cur.Status:
		logger.IncrementCounter("order_status_anomalies")
		log.WithFields(logger.Fields{
			"order_id":        ev.OrderID,
			"recorded_status": cur.Status,
			"event_status":    ev.Status,
		}).Warn("out-of-order status event, ignoring")
		return
	case newRank == curRank && ev.FilledQuantity < cur.FilledQuantity:
		// Duplicate or reordered partial fill.
		logger.IncrementCounter("order_status_anomalies")
		log.WithFields(logger.Fields{
			"order_id":     ev.OrderID,
			"event_filled": ev.FilledQuantity,
			"known_filled": cur.FilledQuantity,
		}).Warn("stale fill quantity in status event, ignoring")
		return
	}

	cur.Status = ev.Status
	if ev.FilledQuantity > cur.FilledQuantity {
		cur.FilledQuantity = ev.FilledQuantity
	}
	if ev.Status == models.StatusFilled {
		cur.FilledQuantity = cur.TotalQuantity
	}
	if cur.FilledQuantity > cur.TotalQuantity {
		cur.FilledQuantity = cur.TotalQuantity
	}
	cur.RemainingQty = cur.TotalQuantity - cur.FilledQuantity
	if ev.AvgFillPrice > 0 {
		cur.AvgFillPrice = ev.AvgFillPrice
	}
	if ev.LastFillPrice > 0 {
		cur.LastFillPrice = ev.LastFillPrice
	}
	if !ev.Timestamp.IsZero() {
		cur.UpdatedAt = ev.Timestamp
	} else {
		cur.UpdatedAt = time.Now().UTC()
	}

	log.WithFields(logger.Fields{
		"order_id":  ev.OrderID,
		"status":    cur.Status,
		"filled":    cur.FilledQuantity,
		"remaining": cur.RemainingQty,
	}).Debug("order status applied")
}

// adopt builds a ledger record from a status event for an order this process
// did not originate.
func adopt(ev models.OrderStatusEvent) models.Order {
	total := ev.TotalQuantity
	if total < ev.FilledQuantity {
		total = ev.FilledQuantity
	}
	now := time.Now().UTC()
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}
	filled := ev.FilledQuantity
	if ev.Status == models.StatusFilled && filled < total {
		filled = total
	}
	return models.Order{
		OrderID:        ev.OrderID,
		Contract:       ev.Contract,
		Action:         ev.Action,
		TotalQuantity:  total,
		OrderType:      ev.OrderType,
		Status:         ev.Status,
		FilledQuantity: filled,
		RemainingQty:   total - filled,
		AvgFillPrice:   ev.AvgFillPrice,
		LastFillPrice:  ev.LastFillPrice,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}

func validate(req *models.OrderRequest) error {
	req.Contract = req.Contract.Normalize()
	if req.Contract.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", models.ErrValidation)
	}

	switch req.Action {
	case models.ActionBuy, models.ActionSell:
	default:
		return fmt.Errorf("%w: action must be BUY or SELL", models.ErrValidation)
	}

	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
	}

	switch req.OrderType {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if req.LimitPrice <= 0 {
			return fmt.Errorf("%w: limitPrice is required for limit orders", models.ErrValidation)
		}
	case models.OrderTypeStop:
		if req.StopPrice <= 0 {
			return fmt.Errorf("%w: stopPrice is required for stop orders", models.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: orderType must be MKT, LMT or STP", models.ErrValidation)
	}

	return nil
}
