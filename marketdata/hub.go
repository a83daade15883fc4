// Package marketdata manages per-symbol tick subscriptions. Upstream
// subscriptions are reference counted so N local subscribers share one
// terminal feed, and the latest tick per symbol is cached for non-blocking
// reads.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ibgate/logger"
	"ibgate/models"
)

// Sender is the slice of the session manager the hub needs.
type Sender interface {
	Send(ctx context.Context, req models.Request) error
	Connected() bool
}

// Handle identifies one local subscription.
type Handle struct {
	ID     string
	Symbol string
}

type subscription struct {
	refcount int
	handles  map[string]struct{}
}

// Hub fans the terminal tick stream out to local subscribers.
type Hub struct {
	sender Sender
	log    *logger.Log

	mu   sync.Mutex
	subs map[string]*subscription

	tickMu sync.RWMutex
	latest map[string]models.MarketTick

	tap chan<- models.MarketTick
}

// New creates an empty hub.
func New(sender Sender) *Hub {
	return &Hub{
		sender: sender,
		log:    logger.GetLogger(),
		subs:   make(map[string]*subscription),
		latest: make(map[string]models.MarketTick),
	}
}

// Tap registers a channel receiving a copy of every applied tick. Delivery is
// best effort: a slow consumer loses ticks, never stalls the hub.
func (h *Hub) Tap(ch chan<- models.MarketTick) {
	h.tap = ch
}

// Subscribe registers interest in a symbol. The first subscriber opens the
// upstream feed; later ones share it.
func (h *Hub) Subscribe(ctx context.Context, symbol string) (Handle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Handle{}, fmt.Errorf("%w: symbol is required", models.ErrValidation)
	}
	if !h.sender.Connected() {
		return Handle{}, models.ErrServiceUnavailable
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[symbol]
	if !ok {
		req := models.Request{
			Type:       models.RequestSubscribeTick,
			MarketData: &models.MarketDataRequest{Symbol: symbol},
		}
		if err := h.sender.Send(ctx, req); err != nil {
			return Handle{}, fmt.Errorf("%w: subscribe %s: %v", models.ErrServiceUnavailable, symbol, err)
		}
		sub = &subscription{handles: make(map[string]struct{})}
		h.subs[symbol] = sub
		logger.IncrementCounter("marketdata_upstream_subscribes")
		h.log.WithComponent("marketdata").WithFields(logger.Fields{"symbol": symbol}).Info("upstream subscription opened")
	}

	handle := Handle{ID: uuid.New().String(), Symbol: symbol}
	sub.refcount++
	sub.handles[handle.ID] = struct{}{}
	return handle, nil
}

// Unsubscribe releases one local subscription. When the refcount reaches
// zero the upstream feed is cancelled; the last cached tick stays readable.
func (h *Hub) Unsubscribe(ctx context.Context, handle Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[handle.Symbol]
	if !ok {
		return fmt.Errorf("%w: subscription %s", models.ErrNotFound, handle.Symbol)
	}
	if _, ok := sub.handles[handle.ID]; !ok {
		return fmt.Errorf("%w: handle %s", models.ErrNotFound, handle.ID)
	}

	delete(sub.handles, handle.ID)
	sub.refcount--
	if sub.refcount > 0 {
		return nil
	}

	delete(h.subs, handle.Symbol)
	req := models.Request{
		Type:       models.RequestUnsubscribeTick,
		MarketData: &models.MarketDataRequest{Symbol: handle.Symbol},
	}
	if err := h.sender.Send(ctx, req); err != nil {
		// The feed dies with the session anyway; log and move on.
		h.log.WithComponent("marketdata").WithError(err).WithFields(logger.Fields{"symbol": handle.Symbol}).Warn("upstream unsubscribe failed")
		return nil
	}
	logger.IncrementCounter("marketdata_upstream_cancels")
	h.log.WithComponent("marketdata").WithFields(logger.Fields{"symbol": handle.Symbol}).Info("upstream subscription cancelled")
	return nil
}

// Resubscribe re-sends upstream subscribe requests for every symbol with live
// local subscribers. Called after the session is re-established so feeds
// survive a reconnect.
func (h *Hub) Resubscribe(ctx context.Context) {
	h.mu.Lock()
	symbols := make([]string, 0, len(h.subs))
	for symbol := range h.subs {
		symbols = append(symbols, symbol)
	}
	h.mu.Unlock()

	for _, symbol := range symbols {
		req := models.Request{
			Type:       models.RequestSubscribeTick,
			MarketData: &models.MarketDataRequest{Symbol: symbol},
		}
		if err := h.sender.Send(ctx, req); err != nil {
			h.log.WithComponent("marketdata").WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("resubscribe failed")
			continue
		}
		h.log.WithComponent("marketdata").WithFields(logger.Fields{"symbol": symbol}).Info("upstream subscription restored")
	}
}

// Refcount reports the number of live local subscriptions for a symbol.
func (h *Hub) Refcount(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return 0
	}
	return sub.refcount
}

// Latest returns the most recent cached tick for the symbol. It never blocks
// and never reaches upstream.
func (h *Hub) Latest(symbol string) (models.MarketTick, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	h.tickMu.RLock()
	tick, ok := h.latest[symbol]
	h.tickMu.RUnlock()
	if !ok {
		return models.MarketTick{}, fmt.Errorf("%w: %s", models.ErrNotAvailable, symbol)
	}
	return tick, nil
}

// ApplyTick records the newest tick for its symbol, latest value wins.
func (h *Hub) ApplyTick(tick models.MarketTick) {
	tick.Symbol = strings.ToUpper(strings.TrimSpace(tick.Symbol))

	h.tickMu.Lock()
	h.latest[tick.Symbol] = tick
	h.tickMu.Unlock()

	if h.tap != nil {
		select {
		case h.tap <- tick:
		default:
		}
	}
}
