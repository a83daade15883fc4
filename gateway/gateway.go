// Package gateway composes the session manager, order ledger, position
// cache, market data hub, and event dispatcher into the single facade the
// HTTP layer talks to.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ibgate/archive"
	"ibgate/config"
	"ibgate/dispatch"
	"ibgate/ledger"
	"ibgate/logger"
	"ibgate/marketdata"
	"ibgate/models"
	"ibgate/positions"
	"ibgate/session"
	"ibgate/transport"
)

// Gateway is the public entry point to the brokerage core. All mutating
// operations fail fast with ErrServiceUnavailable while no session is live;
// cached reads keep working while the session is degraded (reconnecting).
type Gateway struct {
	cfg       *config.Config
	log       *logger.Log
	session   *session.Manager
	ledger    *ledger.Ledger
	positions *positions.Cache
	market    *marketdata.Hub
	dispatch  *dispatch.Dispatcher
	archiver  *archive.TickArchiver

	cancel context.CancelFunc

	// handles keeps one facade-owned subscription per symbol requested
	// through MarketData, so repeated HTTP reads share a single refcount.
	handleMu sync.Mutex
	handles  map[string]marketdata.Handle
}

// New wires the core together around the given transport dialer.
func New(cfg *config.Config, dialer transport.Dialer) (*Gateway, error) {
	sess := session.NewManager(cfg, dialer)
	book := ledger.New(sess)
	cache := positions.New()
	hub := marketdata.New(sess)

	g := &Gateway{
		cfg:       cfg,
		log:       logger.GetLogger(),
		session:   sess,
		ledger:    book,
		positions: cache,
		market:    hub,
		dispatch:  dispatch.New(cfg, sess.Events(), book, cache, hub),
		handles:   make(map[string]marketdata.Handle),
	}

	sess.OnDisconnectedUnexpectedly(func(err error) {
		g.log.WithComponent("gateway").WithError(err).Error("session lost permanently; waiting for explicit reconnect")
	})
	sess.OnConnected(func() {
		// Restore tick feeds that were live before a transport loss.
		hub.Resubscribe(context.Background())
	})

	if cfg.Archive.Enabled {
		archiver, err := archive.NewTickArchiver(cfg)
		if err != nil {
			return nil, fmt.Errorf("create tick archiver: %w", err)
		}
		g.archiver = archiver
		hub.Tap(archiver.Ticks())
	}

	return g, nil
}

// Start launches the dispatcher and, when enabled, the tick archiver.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)
	if err := g.dispatch.Start(ctx); err != nil {
		return err
	}
	if g.archiver != nil {
		if err := g.archiver.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop disconnects the session and drains the workers.
func (g *Gateway) Stop() {
	g.session.Disconnect()
	if g.cancel != nil {
		g.cancel()
	}
	g.dispatch.Stop()
	if g.archiver != nil {
		g.archiver.Stop()
	}
}

// Connect drives the session manager. Calling while already connected
// returns the existing session.
func (g *Gateway) Connect(ctx context.Context) (session.Snapshot, error) {
	return g.session.Connect(ctx)
}

// Disconnect tears the session down. Idempotent.
func (g *Gateway) Disconnect() error {
	return g.session.Disconnect()
}

// Status returns the session snapshot.
func (g *Gateway) Status() session.Snapshot {
	return g.session.Snapshot()
}

// Connected reports whether the session is live.
func (g *Gateway) Connected() bool {
	return g.session.Connected()
}

// PlaceOrder validates and records the order, then forwards it to the
// terminal without waiting for the acknowledgement.
func (g *Gateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	if !g.session.Connected() {
		return models.Order{}, models.ErrServiceUnavailable
	}
	return g.ledger.Place(ctx, req)
}

// CancelOrder requests cancellation; cancelling a terminal order is a no-op
// success.
func (g *Gateway) CancelOrder(ctx context.Context, orderID int64) error {
	return g.ledger.Cancel(ctx, orderID)
}

// Order returns one tracked order.
func (g *Gateway) Order(orderID int64) (models.Order, bool) {
	return g.ledger.Get(orderID)
}

// Orders returns all tracked orders, oldest first.
func (g *Gateway) Orders() []models.Order {
	return g.ledger.List()
}

// Positions returns the cached position set. Served from cache while the
// session is degraded; unavailable once it is fully down.
func (g *Gateway) Positions() ([]models.Position, error) {
	if !g.readable() {
		return nil, models.ErrServiceUnavailable
	}
	return g.positions.Snapshot(), nil
}

// Account returns the latest account summary.
func (g *Gateway) Account() (models.AccountSummary, error) {
	if !g.readable() {
		return models.AccountSummary{}, models.ErrServiceUnavailable
	}
	summary, ok := g.positions.Account()
	if !ok {
		return models.AccountSummary{}, fmt.Errorf("%w: account summary", models.ErrNotAvailable)
	}
	return summary, nil
}

// MarketData ensures a facade-owned subscription for the symbol and returns
// the latest cached tick. ErrNotAvailable means the subscription is live but
// no tick has arrived yet.
func (g *Gateway) MarketData(ctx context.Context, symbol string) (models.MarketTick, error) {
	if !g.session.Connected() {
		return models.MarketTick{}, models.ErrServiceUnavailable
	}

	// Normalize before the lookup so "aapl" and "AAPL" share one handle.
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	g.handleMu.Lock()
	handle, ok := g.handles[symbol]
	if !ok {
		var err error
		handle, err = g.market.Subscribe(ctx, symbol)
		if err != nil {
			g.handleMu.Unlock()
			return models.MarketTick{}, err
		}
		g.handles[handle.Symbol] = handle
	}
	g.handleMu.Unlock()

	return g.market.Latest(handle.Symbol)
}

// Subscribe opens a caller-owned market data subscription.
func (g *Gateway) Subscribe(ctx context.Context, symbol string) (marketdata.Handle, error) {
	if !g.session.Connected() {
		return marketdata.Handle{}, models.ErrServiceUnavailable
	}
	return g.market.Subscribe(ctx, symbol)
}

// Unsubscribe releases a caller-owned subscription.
func (g *Gateway) Unsubscribe(ctx context.Context, handle marketdata.Handle) error {
	return g.market.Unsubscribe(ctx, handle)
}

// readable reports whether cached reads should be served: yes while live or
// degraded, no once disconnected or failed.
func (g *Gateway) readable() bool {
	switch g.session.State() {
	case session.StateConnected, session.StateReconnecting:
		return true
	default:
		return false
	}
}
