package signals

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rustyeddy/tradeengine/autotrade"
	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/events"
	"github.com/rustyeddy/tradeengine/indicators"
)

const (
	DefaultFastPeriod  = 10
	DefaultSlowPeriod  = 30
	DefaultSensitivity = 0.001
)

type emaPair struct {
	fast *indicators.ExponentialMA
	slow *indicators.ExponentialMA
}

// EMACross follows fast and slow EMAs of each symbol's mid price and signals
// the side the fast average is on. Confidence grows with the gap between the
// averages relative to the slow one and reaches 1 at Sensitivity.
type EMACross struct {
	fastPeriod  int
	slowPeriod  int
	sensitivity float64

	mu    sync.Mutex
	pairs map[string]*emaPair
}

func NewEMACross(fast, slow int, sensitivity float64) (*EMACross, error) {
	if fast <= 0 {
		fast = DefaultFastPeriod
	}
	if slow <= 0 {
		slow = DefaultSlowPeriod
	}
	if fast >= slow {
		return nil, fmt.Errorf("ema-cross: fast period %d must be shorter than slow period %d", fast, slow)
	}
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}
	return &EMACross{
		fastPeriod:  fast,
		slowPeriod:  slow,
		sensitivity: sensitivity,
		pairs:       make(map[string]*emaPair),
	}, nil
}

// Observe feeds one quote.
func (s *EMACross) Observe(q broker.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairs[q.Symbol]
	if !ok {
		p = &emaPair{fast: indicators.NewEMA(s.fastPeriod), slow: indicators.NewEMA(s.slowPeriod)}
		s.pairs[q.Symbol] = p
	}
	mid := q.Mid()
	p.fast.Update(mid)
	p.slow.Update(mid)
}

// Run observes PriceUpdate events until ch closes or ctx is done.
func (s *EMACross) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind == events.PriceUpdate {
				s.Observe(broker.Quote{Symbol: e.Symbol, Bid: e.Bid, Ask: e.Ask, Time: e.Time})
			}
		}
	}
}

func (s *EMACross) GenerateSignal(symbol string) (autotrade.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairs[symbol]
	if !ok || !p.slow.Ready() || !p.fast.Ready() {
		return autotrade.Signal{}, false
	}
	slow := p.slow.Value()
	diff := p.fast.Value() - slow
	if diff == 0 || slow == 0 {
		return autotrade.Signal{}, false
	}

	d := broker.Long
	if diff < 0 {
		d = broker.Short
	}
	confidence := math.Min(1, math.Abs(diff)/math.Abs(slow)/s.sensitivity)
	return autotrade.Signal{Direction: d, Confidence: confidence}, true
}
