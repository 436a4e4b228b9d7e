// Package executor turns open, close and order requests into venue
// confirmations and ledger changes. Nothing reaches the book unless the venue
// confirmed it first.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/tradeengine/book"
	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/events"
	"github.com/rustyeddy/tradeengine/internal/logging"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 10 * time.Second

// Session is the fail-fast gate in front of every venue call.
type Session interface {
	Token() (string, error)
	Expire(reason string)
}

// Markets supplies the current quote for a symbol.
type Markets interface {
	Market(symbol string) (broker.Market, error)
}

type Options struct {
	// Timeout bounds each venue confirmation.
	Timeout   time.Duration
	Publisher events.Publisher
	Logger    logrus.FieldLogger
}

type Executor struct {
	venue   broker.Venue
	session Session
	markets Markets
	book    *book.Book

	timeout time.Duration
	pub     events.Publisher
	log     logrus.FieldLogger

	mu      sync.Mutex
	closing map[string]struct{}
}

func New(venue broker.Venue, session Session, markets Markets, b *book.Book, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	return &Executor{
		venue:   venue,
		session: session,
		markets: markets,
		book:    b,
		timeout: opts.Timeout,
		pub:     opts.Publisher,
		log:     logging.Component(opts.Logger, "executor"),
		closing: make(map[string]struct{}),
	}
}

// OpenRequest asks for a market position. A distance is turned into a level
// measured from the entry price when the level itself is zero.
type OpenRequest struct {
	Symbol             string
	Direction          broker.Direction
	Size               float64
	Leverage           float64
	StopLevel          float64
	TakeProfitLevel    float64
	StopDistance       float64
	TakeProfitDistance float64
}

func (r OpenRequest) levels(entry float64) (stop, takeProfit float64) {
	stop, takeProfit = r.StopLevel, r.TakeProfitLevel
	if stop == 0 && r.StopDistance > 0 {
		stop = entry - r.Direction.Sign()*r.StopDistance
	}
	if takeProfit == 0 && r.TakeProfitDistance > 0 {
		takeProfit = entry + r.Direction.Sign()*r.TakeProfitDistance
	}
	return stop, takeProfit
}

// OpenPosition opens at the current ask for a long and the current bid for a
// short. Stop and take-profit levels are checked against both sides of the
// quote before the venue is asked. The book is only touched after the venue
// confirms.
func (e *Executor) OpenPosition(ctx context.Context, req OpenRequest) (broker.Position, error) {
	token, err := e.session.Token()
	if err != nil {
		return broker.Position{}, e.fail(req.Symbol, "open", err)
	}

	q, err := e.quote(req.Symbol)
	if err != nil {
		return broker.Position{}, e.fail(req.Symbol, "open", err)
	}
	entry := q.OpenPrice(req.Direction)
	stop, takeProfit := req.levels(entry)

	params := book.OpenParams{
		Symbol:          req.Symbol,
		Direction:       req.Direction,
		Size:            req.Size,
		Leverage:        req.Leverage,
		EntryPrice:      entry,
		StopLevel:       stop,
		TakeProfitLevel: takeProfit,
	}
	if err := params.Validate(); err != nil {
		return broker.Position{}, e.fail(req.Symbol, "open", err)
	}
	// The position is marked at the closing side, so levels must clear it too.
	if err := book.ValidateLevels(req.Direction, q.ClosePrice(req.Direction), stop, takeProfit); err != nil {
		return broker.Position{}, e.fail(req.Symbol, "open", err)
	}

	conf, err := broker.Call(ctx, e.timeout, "confirm open", func(ctx context.Context) (broker.Confirmation, error) {
		return e.venue.ConfirmOpen(ctx, token, broker.OpenRequest{
			Symbol:          params.Symbol,
			Direction:       params.Direction,
			Size:            params.Size,
			Leverage:        params.Leverage,
			Price:           entry,
			StopLevel:       stop,
			TakeProfitLevel: takeProfit,
		})
	})
	if err != nil {
		return broker.Position{}, e.fail(req.Symbol, "open", e.venueError(err))
	}

	params.Reference = conf.Reference
	pos, err := e.book.Open(params)
	if err != nil {
		e.log.WithError(err).WithField("reference", conf.Reference).Error("venue confirmed open but book refused it")
		return broker.Position{}, e.fail(req.Symbol, "open", err)
	}
	return pos, nil
}

// ClosePosition closes at the current closing-side quote. A second close of
// the same id fails with ErrAlreadyClosed; a close racing another close of
// the same id is refused before it reaches the venue.
func (e *Executor) ClosePosition(ctx context.Context, positionID string) (float64, error) {
	token, err := e.session.Token()
	if err != nil {
		return 0, e.fail("", "close", err)
	}

	pos, err := e.book.Position(positionID)
	if err != nil {
		return 0, e.fail("", "close", err)
	}
	if !pos.IsOpen() {
		return 0, e.fail(pos.Symbol, "close", fmt.Errorf("%w: %q", broker.ErrAlreadyClosed, positionID))
	}

	if !e.claim(positionID) {
		return 0, e.fail(pos.Symbol, "close", fmt.Errorf("%w: close of %q already in progress", broker.ErrExecutionFailed, positionID))
	}
	defer e.release(positionID)

	exit := pos.CurrentPrice
	if q, err := e.quote(pos.Symbol); err == nil {
		exit = q.ClosePrice(pos.Direction)
	}

	_, err = broker.Call(ctx, e.timeout, "confirm close", func(ctx context.Context) (broker.Confirmation, error) {
		return e.venue.ConfirmClose(ctx, token, broker.CloseRequest{
			PositionID: pos.ID,
			Reference:  pos.Reference,
			Symbol:     pos.Symbol,
			Direction:  pos.Direction,
			Size:       pos.Size,
			Price:      exit,
		})
	})
	if err != nil {
		return 0, e.fail(pos.Symbol, "close", e.venueError(err))
	}

	pnl, err := e.book.Close(positionID, exit)
	if err != nil {
		return 0, e.fail(pos.Symbol, "close", err)
	}
	return pnl, nil
}

// OrderRequest asks for a resting limit or stop order.
type OrderRequest struct {
	Symbol          string
	Kind            broker.OrderKind
	Direction       broker.Direction
	Size            float64
	Leverage        float64
	Price           float64
	StopLevel       float64
	TakeProfitLevel float64
}

func (e *Executor) PlaceOrder(ctx context.Context, req OrderRequest) (broker.Order, error) {
	token, err := e.session.Token()
	if err != nil {
		return broker.Order{}, e.fail(req.Symbol, "place order", err)
	}
	if _, err := e.quote(req.Symbol); err != nil {
		return broker.Order{}, e.fail(req.Symbol, "place order", err)
	}

	params := book.OrderParams{
		Symbol:          req.Symbol,
		Kind:            req.Kind,
		Direction:       req.Direction,
		Size:            req.Size,
		Leverage:        req.Leverage,
		Price:           req.Price,
		StopLevel:       req.StopLevel,
		TakeProfitLevel: req.TakeProfitLevel,
	}
	if err := params.Validate(); err != nil {
		return broker.Order{}, e.fail(req.Symbol, "place order", err)
	}

	conf, err := broker.Call(ctx, e.timeout, "place order", func(ctx context.Context) (broker.Confirmation, error) {
		return e.venue.PlaceOrder(ctx, token, broker.PendingRequest{
			Symbol:          req.Symbol,
			Kind:            req.Kind,
			Direction:       req.Direction,
			Size:            req.Size,
			Leverage:        req.Leverage,
			Price:           req.Price,
			StopLevel:       req.StopLevel,
			TakeProfitLevel: req.TakeProfitLevel,
		})
	})
	if err != nil {
		return broker.Order{}, e.fail(req.Symbol, "place order", e.venueError(err))
	}

	params.Reference = conf.Reference
	o, err := e.book.AddOrder(params)
	if err != nil {
		return broker.Order{}, e.fail(req.Symbol, "place order", err)
	}
	return o, nil
}

func (e *Executor) CancelOrder(ctx context.Context, orderID string) error {
	token, err := e.session.Token()
	if err != nil {
		return e.fail("", "cancel order", err)
	}
	o, err := e.book.Order(orderID)
	if err != nil {
		return e.fail("", "cancel order", err)
	}

	_, err = broker.Call(ctx, e.timeout, "cancel order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.venue.CancelOrder(ctx, token, o.Reference)
	})
	if err != nil {
		return e.fail(o.Symbol, "cancel order", e.venueError(err))
	}

	if _, err := e.book.CancelOrder(orderID); err != nil {
		// filled by a price update while the venue was cancelling
		return e.fail(o.Symbol, "cancel order", err)
	}
	return nil
}

// CloseAll closes every open position one at a time and reports every
// failure.
func (e *Executor) CloseAll(ctx context.Context) error {
	var errs []error
	for _, p := range e.book.OpenPositions() {
		if _, err := e.ClosePosition(ctx, p.ID); err != nil && !errors.Is(err, broker.ErrAlreadyClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) quote(symbol string) (broker.Quote, error) {
	m, err := e.markets.Market(symbol)
	if err != nil {
		return broker.Quote{}, err
	}
	if !m.Active() {
		return broker.Quote{}, fmt.Errorf("%w: %q has no quote yet", broker.ErrUnknownSymbol, symbol)
	}
	return m.Quote(), nil
}

// venueError expires the session when the venue rejected the token and
// marks the error as an execution failure.
func (e *Executor) venueError(err error) error {
	if errors.Is(err, broker.ErrAuthRejected) {
		e.session.Expire(err.Error())
	}
	if errors.Is(err, broker.ErrExecutionFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", broker.ErrExecutionFailed, err)
}

func (e *Executor) fail(symbol, op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	e.log.WithError(err).WithField("symbol", symbol).Warn("execution failed")
	e.pub.Publish(events.Failed(symbol, err.Error()))
	return err
}

func (e *Executor) claim(positionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.closing[positionID]; busy {
		return false
	}
	e.closing[positionID] = struct{}{}
	return true
}

func (e *Executor) release(positionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.closing, positionID)
}
