// Package metrics exposes engine activity as prometheus collectors, driven
// entirely by the outbound event stream.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rustyeddy/tradeengine/events"
)

type Metrics struct {
	PositionsOpened   *prometheus.CounterVec // symbol, direction
	PositionsClosed   *prometheus.CounterVec // reason
	RealizedPnL       prometheus.Gauge
	ExecutionFailures prometheus.Counter
	FeedDegraded      *prometheus.CounterVec // symbol
	SessionEvents     *prometheus.CounterVec // event
	PriceUpdates      *prometheus.CounterVec // symbol
	OpenPositions     prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PositionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_positions_opened_total",
			Help: "Positions opened, by symbol and direction",
		}, []string{"symbol", "direction"}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_positions_closed_total",
			Help: "Positions closed, by close reason",
		}, []string{"reason"}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_realized_pnl",
			Help: "Cumulative realized profit and loss since start",
		}),
		ExecutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_execution_failures_total",
			Help: "Open, close and order requests that failed",
		}),
		FeedDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_feed_degraded_total",
			Help: "Times a symbol's price feed was reported degraded",
		}, []string{"symbol"}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_session_events_total",
			Help: "Session connected and lost events",
		}, []string{"event"}),
		PriceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_price_updates_total",
			Help: "Accepted price updates, by symbol",
		}, []string{"symbol"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Positions currently open",
		}),
	}

	reg.MustRegister(
		m.PositionsOpened,
		m.PositionsClosed,
		m.RealizedPnL,
		m.ExecutionFailures,
		m.FeedDegraded,
		m.SessionEvents,
		m.PriceUpdates,
		m.OpenPositions,
	)
	return m
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(e events.Event) {
	switch e.Kind {
	case events.PriceUpdate:
		m.PriceUpdates.WithLabelValues(e.Symbol).Inc()
	case events.PositionOpened:
		dir := ""
		if e.Position != nil {
			dir = e.Position.Direction.String()
		}
		m.PositionsOpened.WithLabelValues(e.Symbol, dir).Inc()
		m.OpenPositions.Inc()
	case events.PositionClosed:
		reason := ""
		if e.Position != nil {
			reason = e.Position.CloseReason
		}
		m.PositionsClosed.WithLabelValues(reason).Inc()
		m.RealizedPnL.Add(e.RealizedPnL)
		m.OpenPositions.Dec()
	case events.ExecutionFailed:
		m.ExecutionFailures.Inc()
	case events.FeedDegraded:
		m.FeedDegraded.WithLabelValues(e.Symbol).Inc()
	case events.SessionConnected, events.SessionLost:
		m.SessionEvents.WithLabelValues(string(e.Kind)).Inc()
	}
}

// Run observes events from ch until ctx is done or ch is closed.
func (m *Metrics) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Handler serves the collectors registered on g in the text exposition
// format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
