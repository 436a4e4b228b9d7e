// Package engine assembles the session, feed, book, executor and auto-trade
// loop into one instance and exposes the operator commands.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rustyeddy/tradeengine/autotrade"
	"github.com/rustyeddy/tradeengine/book"
	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/events"
	"github.com/rustyeddy/tradeengine/executor"
	"github.com/rustyeddy/tradeengine/feed"
	"github.com/rustyeddy/tradeengine/internal/logging"
	"github.com/rustyeddy/tradeengine/journal"
	"github.com/rustyeddy/tradeengine/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultEventBuffer = 256

type Options struct {
	Account    broker.Account
	Commission float64
	Journal    journal.Journal

	Symbols []string
	// Seeds are applied to the feed, and through it the book, before the
	// first tick.
	Seeds []broker.Quote

	// Publisher and Logger set on these are replaced by the engine's own.
	Session  session.Options
	Feed     feed.Options
	Executor executor.Options

	AutoTrade autotrade.Config
	Signals   autotrade.SignalSource

	// EventBuffer sizes internal bus subscriptions.
	EventBuffer int
	Logger      logrus.FieldLogger
}

// observer is a signal source that learns from the event stream.
type observer interface {
	Run(ctx context.Context, ch <-chan events.Event)
}

type Engine struct {
	bus     *events.Bus
	session *session.Manager
	feed    *feed.Feed
	book    *book.Book
	exec    *executor.Executor
	auto    *autotrade.Loop
	signals autotrade.SignalSource
	journal journal.Journal

	buffer int
	log    logrus.FieldLogger

	mu       sync.Mutex
	closed   bool
	autoCtx  context.Context
	autoStop context.CancelFunc
}

// New builds an engine on venue. It does not connect.
func New(venue broker.Venue, opts Options) (*Engine, error) {
	if venue == nil {
		return nil, errors.New("engine: venue is required")
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	if opts.Signals == nil {
		opts.Signals = autotrade.SignalFunc(func(string) (autotrade.Signal, bool) { return autotrade.Signal{}, false })
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	log := logging.Component(opts.Logger, "engine")
	bus := events.NewBus()
	bus.OnDrop = func(e events.Event) {
		log.WithField("kind", e.Kind).Debug("event dropped for a slow subscriber")
	}

	b := book.New(book.Options{
		Account:    opts.Account,
		Commission: opts.Commission,
		Journal:    opts.Journal,
		Publisher:  bus,
		Logger:     opts.Logger,
	})

	so := opts.Session
	so.Publisher, so.Logger = bus, opts.Logger
	sess := session.New(venue, so)

	fo := opts.Feed
	fo.Sink, fo.Publisher, fo.Logger = b, bus, opts.Logger
	fd := feed.New(venue, sess, fo)
	fd.Subscribe(opts.Symbols...)
	for _, q := range opts.Seeds {
		if err := fd.Seed(q); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	eo := opts.Executor
	eo.Publisher, eo.Logger = bus, opts.Logger
	ex := executor.New(venue, sess, fd, b, eo)

	auto := autotrade.New(opts.AutoTrade, opts.Signals, ex, b, fd, opts.Logger)

	return &Engine{
		bus:     bus,
		session: sess,
		feed:    fd,
		book:    b,
		exec:    ex,
		auto:    auto,
		signals: opts.Signals,
		journal: opts.Journal,
		buffer:  opts.EventBuffer,
		log:     log,
	}, nil
}

// Run drives the price feed, and the signal source when it observes prices,
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.feed.Run(ctx) })

	if obs, ok := e.signals.(observer); ok {
		ch := e.bus.Subscribe(e.buffer)
		g.Go(func() error {
			defer e.bus.Unsubscribe(ch)
			obs.Run(ctx, ch)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) Connect(ctx context.Context, creds broker.Credentials) (broker.Session, error) {
	return e.session.Connect(ctx, creds)
}

// Disconnect stops auto-trading and clears the session. Open positions stay
// on the book.
func (e *Engine) Disconnect() {
	e.DisableAutoTrade()
	e.session.Disconnect()
}

// EnableAutoTrade starts the decision loop. It requires a connected session;
// the loop stops on DisableAutoTrade or Close.
func (e *Engine) EnableAutoTrade(ctx context.Context) error {
	if _, err := e.session.Token(); err != nil {
		return fmt.Errorf("enable auto-trade: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("enable auto-trade: engine closed")
	}
	if e.autoStop == nil {
		e.autoCtx, e.autoStop = context.WithCancel(context.WithoutCancel(ctx))
	}
	loopCtx := e.autoCtx
	e.mu.Unlock()

	return e.auto.Enable(loopCtx)
}

// DisableAutoTrade stops the loop after any cycle in progress.
func (e *Engine) DisableAutoTrade() {
	e.auto.Disable()

	e.mu.Lock()
	if e.autoStop != nil {
		e.autoStop()
		e.autoCtx, e.autoStop = nil, nil
	}
	e.mu.Unlock()
}

func (e *Engine) AutoTradeState() autotrade.State {
	return e.auto.State()
}

// OpenPosition opens a market position with no stop or take-profit.
func (e *Engine) OpenPosition(ctx context.Context, symbol string, d broker.Direction, size, leverage float64) (broker.Position, error) {
	return e.exec.OpenPosition(ctx, executor.OpenRequest{
		Symbol:    symbol,
		Direction: d,
		Size:      size,
		Leverage:  leverage,
	})
}

// Open opens a position with the full request, levels included.
func (e *Engine) Open(ctx context.Context, req executor.OpenRequest) (broker.Position, error) {
	return e.exec.OpenPosition(ctx, req)
}

func (e *Engine) ClosePosition(ctx context.Context, positionID string) (float64, error) {
	return e.exec.ClosePosition(ctx, positionID)
}

func (e *Engine) PlaceOrder(ctx context.Context, req executor.OrderRequest) (broker.Order, error) {
	return e.exec.PlaceOrder(ctx, req)
}

func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	return e.exec.CancelOrder(ctx, orderID)
}

// CloseAll closes every open position.
func (e *Engine) CloseAll(ctx context.Context) error {
	return e.exec.CloseAll(ctx)
}

// Subscribe adds symbols to the feed.
func (e *Engine) Subscribe(symbols ...string) {
	e.feed.Subscribe(symbols...)
}

// Snapshot is everything an operator view needs at one moment. Each part is
// internally consistent; the ledger part is a single atomic copy.
type Snapshot struct {
	book.Snapshot
	Session   broker.Session  `json:"session"`
	Markets   []broker.Market `json:"markets"`
	AutoTrade autotrade.State `json:"autoTrade"`
}

func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Snapshot:  e.book.Snapshot(),
		Session:   e.session.Session(),
		Markets:   e.feed.Markets(),
		AutoTrade: e.auto.State(),
	}
}

func (e *Engine) Session() broker.Session {
	return e.session.Session()
}

// Events subscribes to the outbound event stream. Call Unsubscribe when done.
func (e *Engine) Events(buffer int) <-chan events.Event {
	return e.bus.Subscribe(buffer)
}

func (e *Engine) Unsubscribe(ch <-chan events.Event) {
	e.bus.Unsubscribe(ch)
}

// Close stops auto-trading, ends the session, closes the event stream and
// then the journal. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.DisableAutoTrade()
	e.session.Close()
	e.bus.Close()

	err := e.journal.Close()
	e.log.Info("engine closed")
	return err
}
