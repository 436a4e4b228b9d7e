// Package feed keeps the quoted prices of the subscribed symbols fresh. Each
// tick fetches every symbol from the venue, forwards accepted quotes to the
// position book and publishes them as PriceUpdate events.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/events"
	"github.com/rustyeddy/tradeengine/internal/logging"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval      = 3 * time.Second
	DefaultTimeout       = 5 * time.Second
	DefaultDegradedAfter = 3
)

// PriceSink receives every accepted quote before it is published.
type PriceSink interface {
	ApplyPriceUpdate(q broker.Quote) error
}

// TokenSource is the session gate.
type TokenSource interface {
	Token() (string, error)
	Expire(reason string)
}

type Options struct {
	Interval time.Duration
	// Timeout bounds each symbol's fetch.
	Timeout time.Duration
	// DegradedAfter is the number of consecutive failures for one symbol
	// that produces a FeedDegraded event.
	DegradedAfter int
	Sink          PriceSink
	Publisher     events.Publisher
	Logger        logrus.FieldLogger
	Now           func() time.Time
}

type entry struct {
	market   broker.Market
	failures int

	day     time.Time
	dayOpen float64
}

type Feed struct {
	quoter broker.Quoter
	tokens TokenSource

	interval      time.Duration
	timeout       time.Duration
	degradedAfter int
	sink          PriceSink
	pub           events.Publisher
	log           logrus.FieldLogger
	now           func() time.Time

	// tickMu keeps ticks and seeds from interleaving, which is what keeps
	// per-symbol publication ordered.
	tickMu sync.Mutex

	mu      sync.RWMutex
	markets map[string]*entry
}

func New(quoter broker.Quoter, tokens TokenSource, opts Options) *Feed {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = DefaultDegradedAfter
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Feed{
		quoter:        quoter,
		tokens:        tokens,
		interval:      opts.Interval,
		timeout:       opts.Timeout,
		degradedAfter: opts.DegradedAfter,
		sink:          opts.Sink,
		pub:           opts.Publisher,
		log:           logging.Component(opts.Logger, "feed"),
		now:           opts.Now,
		markets:       make(map[string]*entry),
	}
}

// Subscribe adds symbols to the quoted set. Symbols already subscribed are
// left untouched.
func (f *Feed) Subscribe(symbols ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := f.markets[s]; ok {
			continue
		}
		f.markets[s] = &entry{market: broker.Market{Symbol: s}}
		f.log.WithField("symbol", s).Info("subscribed")
	}
}

// Unsubscribe removes a symbol. The feed never does this on its own.
func (f *Feed) Unsubscribe(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.markets[symbol]; ok {
		delete(f.markets, symbol)
		f.log.WithField("symbol", symbol).Info("unsubscribed")
	}
}

// Seed subscribes q.Symbol if needed and applies q as if it had been fetched.
func (f *Feed) Seed(q broker.Quote) error {
	if q.Time.IsZero() {
		q.Time = f.now()
	}
	if err := q.Validate(); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	f.Subscribe(q.Symbol)

	f.tickMu.Lock()
	defer f.tickMu.Unlock()
	f.accept(q)
	return nil
}

// Market returns the current record for a subscribed symbol.
func (f *Feed) Market(symbol string) (broker.Market, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, ok := f.markets[symbol]
	if !ok {
		return broker.Market{}, fmt.Errorf("market: %w: %q", broker.ErrUnknownSymbol, symbol)
	}
	return e.market, nil
}

// Markets returns every subscribed market ordered by symbol.
func (f *Feed) Markets() []broker.Market {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]broker.Market, 0, len(f.markets))
	for _, e := range f.markets {
		out = append(out, e.market)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (f *Feed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.markets))
	for s := range f.markets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type fetchResult struct {
	symbol string
	quote  broker.Quote
	err    error
}

// Tick fetches every subscribed symbol once. A failing symbol never holds up
// the others. Without a connected session the tick is skipped and
// ErrNotConnected is returned.
func (f *Feed) Tick(ctx context.Context) error {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	symbols := f.Symbols()
	if len(symbols) == 0 {
		return nil
	}
	token, err := f.tokens.Token()
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}

	results := make([]fetchResult, len(symbols))
	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			q, err := broker.Call(ctx, f.timeout, "quote "+sym, func(ctx context.Context) (broker.Quote, error) {
				return f.quoter.Quote(ctx, token, sym)
			})
			results[i] = fetchResult{symbol: sym, quote: q, err: err}
		}(i, sym)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil && errors.Is(r.err, broker.ErrAuthRejected) {
			f.tokens.Expire(fmt.Sprintf("quote %s: %v", r.symbol, r.err))
			return fmt.Errorf("tick: %w", r.err)
		}
	}

	for _, r := range results {
		if r.err != nil {
			f.fail(r.symbol, r.err)
			continue
		}
		q := r.quote
		q.Symbol = r.symbol
		if q.Time.IsZero() {
			q.Time = f.now()
		}
		if err := q.Validate(); err != nil {
			f.fail(r.symbol, err)
			continue
		}
		f.accept(q)
	}
	return nil
}

// Run ticks on the configured interval until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.log.WithField("interval", f.interval).Info("feed running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.Tick(ctx); err != nil {
				if errors.Is(err, broker.ErrNotConnected) {
					f.log.WithError(err).Debug("tick skipped")
				} else {
					f.log.WithError(err).Warn("tick failed")
				}
			}
		}
	}
}

// fail counts a failed fetch. FeedDegraded goes out once, when the count
// first reaches the threshold.
func (f *Feed) fail(symbol string, err error) {
	f.mu.Lock()
	e, ok := f.markets[symbol]
	if !ok {
		f.mu.Unlock()
		return
	}
	e.failures++
	n := e.failures
	f.mu.Unlock()

	f.log.WithError(err).WithFields(logrus.Fields{"symbol": symbol, "failures": n}).Warn("quote fetch failed")
	if n == f.degradedAfter {
		f.pub.Publish(events.Degraded(symbol, fmt.Sprintf("%d consecutive failures: %v", n, err)))
	}
}

// accept records q, forwards it to the sink and publishes it. Quotes not
// newer than the last accepted one are dropped. Callers hold tickMu.
func (f *Feed) accept(q broker.Quote) {
	f.mu.Lock()
	e, ok := f.markets[q.Symbol]
	if !ok {
		f.mu.Unlock()
		return
	}
	if e.market.Active() && !q.Time.After(e.market.LastUpdated) {
		f.mu.Unlock()
		f.log.WithFields(logrus.Fields{"symbol": q.Symbol, "time": q.Time}).Debug("stale quote dropped")
		return
	}

	e.failures = 0
	mid := q.Mid()
	day := q.Time.UTC().Truncate(24 * time.Hour)
	if !day.Equal(e.day) {
		e.day = day
		e.dayOpen = mid
	}
	e.market.Bid = q.Bid
	e.market.Ask = q.Ask
	e.market.LastUpdated = q.Time
	e.market.DailyChangePercent = 0
	if e.dayOpen > 0 {
		e.market.DailyChangePercent = (mid - e.dayOpen) / e.dayOpen * 100
	}
	f.mu.Unlock()

	if f.sink != nil {
		if err := f.sink.ApplyPriceUpdate(q); err != nil {
			f.log.WithError(err).WithField("symbol", q.Symbol).Warn("price sink rejected quote")
		}
	}
	f.pub.Publish(events.Price(q))
}
