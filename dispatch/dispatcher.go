// Package dispatch drains the session's ordered event stream into the order
// ledger, position cache, and market data hub. A bounded queue decouples
// ingestion from handlers; under backpressure the oldest queued market-data
// ticks are shed first, order and position events are never dropped.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"ibgate/config"
	"ibgate/ledger"
	"ibgate/logger"
	"ibgate/marketdata"
	"ibgate/models"
	"ibgate/positions"
)

// Dispatcher routes inbound terminal events to their handlers.
type Dispatcher struct {
	events    <-chan models.Event
	ledger    *ledger.Ledger
	positions *positions.Cache
	market    *marketdata.Hub
	queue     *eventQueue
	log       *logger.Log

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a dispatcher reading from the given event stream.
func New(cfg *config.Config, events <-chan models.Event, l *ledger.Ledger, p *positions.Cache, m *marketdata.Hub) *Dispatcher {
	bound := cfg.Channels.EventBuffer
	if bound <= 0 {
		bound = 1024
	}
	return &Dispatcher{
		events:    events,
		ledger:    l,
		positions: p,
		market:    m,
		queue:     newEventQueue(bound),
		log:       logger.GetLogger(),
	}
}

// Start launches the ingest and apply workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(2)
	go d.ingest(ctx)
	go d.apply()

	d.log.WithComponent("dispatcher").WithFields(logger.Fields{"queue_bound": d.queue.bound}).Info("dispatcher started")
	return nil
}

// Stop waits for the workers to drain and exit. Call after cancelling the
// context passed to Start.
func (d *Dispatcher) Stop() {
	d.wg.Wait()
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

// TicksDropped reports how many ticks were shed under backpressure.
func (d *Dispatcher) TicksDropped() int64 {
	return d.queue.ticksDropped()
}

func (d *Dispatcher) ingest(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.queue.close()
			return
		case ev, ok := <-d.events:
			if !ok {
				d.queue.close()
				return
			}
			logger.IncrementEventIngested()
			d.queue.push(ev)
		}
	}
}

func (d *Dispatcher) apply() {
	defer d.wg.Done()
	for {
		ev, ok := d.queue.pop()
		if !ok {
			return
		}
		d.dispatch(ev)
	}
}

func (d *Dispatcher) dispatch(ev models.Event) {
	switch ev.Type {
	case models.EventOrderStatus:
		if ev.OrderStatus != nil {
			d.ledger.ApplyStatus(*ev.OrderStatus)
		}
	case models.EventPositionSnapshot:
		if ev.PositionSnapshot != nil {
			d.positions.ApplySnapshot(*ev.PositionSnapshot)
		}
	case models.EventPositionDelta:
		if ev.PositionDelta != nil {
			d.positions.ApplyDelta(*ev.PositionDelta)
		}
	case models.EventAccountSummary:
		if ev.AccountSummary != nil {
			d.positions.ApplyAccount(*ev.AccountSummary)
		}
	case models.EventTick:
		if ev.Tick != nil {
			d.market.ApplyTick(*ev.Tick)
		}
	default:
		d.log.WithComponent("dispatcher").WithFields(logger.Fields{"type": ev.Type}).Debug("ignoring unknown event type")
	}
}
