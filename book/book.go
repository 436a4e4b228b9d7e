// Package book is the authoritative ledger of open positions, pending orders
// and closed-position history. It is the only place those records change.
package book

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/events"
	"github.com/rustyeddy/tradeengine/internal/id"
	"github.com/rustyeddy/tradeengine/internal/logging"
	"github.com/rustyeddy/tradeengine/journal"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Account broker.Account
	// Commission is charged once per close and comes out of realized P&L.
	Commission float64
	Journal    journal.Journal
	Publisher  events.Publisher
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

// Book serializes every ledger mutation behind one lock. Readers always get
// copies, never pointers into the ledger. Events are published in the order
// their mutations happened: pubMu is taken before mu is released.
type Book struct {
	mu    sync.RWMutex
	pubMu sync.Mutex

	acct       broker.Account
	commission float64

	quotes  map[string]broker.Quote
	open    map[string]*broker.Position
	closed  map[string]*broker.Position
	history []*broker.Position
	orders  map[string]*broker.Order

	posIDs *id.Generator
	ordIDs *id.Generator

	journal journal.Journal
	pub     events.Publisher
	log     logrus.FieldLogger
	now     func() time.Time
}

func New(opts Options) *Book {
	b := &Book{
		acct:       opts.Account,
		commission: opts.Commission,
		quotes:     make(map[string]broker.Quote),
		open:       make(map[string]*broker.Position),
		closed:     make(map[string]*broker.Position),
		orders:     make(map[string]*broker.Order),
		posIDs:     id.NewGenerator("pos"),
		ordIDs:     id.NewGenerator("ord"),
		journal:    opts.Journal,
		pub:        opts.Publisher,
		log:        logging.Component(opts.Logger, "book"),
		now:        opts.Now,
	}
	if b.journal == nil {
		b.journal = journal.Nop{}
	}
	if b.pub == nil {
		b.pub = events.Discard{}
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.acct.Equity = b.acct.Balance
	return b
}

// OpenParams describes a position confirmed by the venue.
type OpenParams struct {
	Symbol          string
	Direction       broker.Direction
	Size            float64
	Leverage        float64
	EntryPrice      float64
	StopLevel       float64
	TakeProfitLevel float64
	Reference       string
}

// Validate checks everything about the request that does not depend on
// ledger state.
func (p OpenParams) Validate() error {
	if !p.Direction.Valid() {
		return fmt.Errorf("%w: direction %d", broker.ErrExecutionFailed, p.Direction)
	}
	if !(p.Size > 0) || math.IsInf(p.Size, 0) {
		return fmt.Errorf("%w: size %v must be positive", broker.ErrInvalidSize, p.Size)
	}
	if !(p.Leverage >= 1) || math.IsInf(p.Leverage, 0) {
		return fmt.Errorf("%w: leverage %v must be at least 1", broker.ErrInvalidLeverage, p.Leverage)
	}
	if !(p.EntryPrice > 0) {
		return fmt.Errorf("%w: entry price %v", broker.ErrInvalidQuote, p.EntryPrice)
	}
	return ValidateLevels(p.Direction, p.EntryPrice, p.StopLevel, p.TakeProfitLevel)
}

// ValidateLevels requires a long's stop below and take-profit above the
// reference price, and the reverse for a short. Zero means unset.
func ValidateLevels(d broker.Direction, price, stop, takeProfit float64) error {
	if stop < 0 || takeProfit < 0 {
		return fmt.Errorf("%w: levels must not be negative", broker.ErrInvalidLevels)
	}
	if stop > 0 && (stop-price)*d.Sign() >= 0 {
		return fmt.Errorf("%w: %s stop %v is not beyond %v against the position", broker.ErrInvalidLevels, d, stop, price)
	}
	if takeProfit > 0 && (takeProfit-price)*d.Sign() <= 0 {
		return fmt.Errorf("%w: %s take-profit %v is not beyond %v in favor of the position", broker.ErrInvalidLevels, d, takeProfit, price)
	}
	return nil
}

// Open inserts a new open position marked to the symbol's closing-side
// quote. Levels the closing side has already crossed are refused. It never
// touches the network; callers use it only after the venue has confirmed the
// execution.
func (b *Book) Open(p OpenParams) (broker.Position, error) {
	if err := p.Validate(); err != nil {
		return broker.Position{}, fmt.Errorf("open: %w", err)
	}

	b.mu.Lock()
	q, ok := b.quotes[p.Symbol]
	if !ok {
		b.mu.Unlock()
		return broker.Position{}, fmt.Errorf("open: %w: %q", broker.ErrUnknownSymbol, p.Symbol)
	}
	if err := ValidateLevels(p.Direction, q.ClosePrice(p.Direction), p.StopLevel, p.TakeProfitLevel); err != nil {
		b.mu.Unlock()
		return broker.Position{}, fmt.Errorf("open: %w", err)
	}
	pos := b.openLocked(p, b.now())
	markLocked(pos, q)
	b.recomputeLocked()
	b.recordEquityLocked(pos.OpenedAt)
	opened := *pos
	b.unlockAndPublish(events.Opened(opened))

	return opened, nil
}

func (b *Book) openLocked(p OpenParams, at time.Time) *broker.Position {
	pos := &broker.Position{
		ID:              b.posIDs.New(),
		Symbol:          p.Symbol,
		Direction:       p.Direction,
		Size:            p.Size,
		Leverage:        p.Leverage,
		EntryPrice:      p.EntryPrice,
		CurrentPrice:    p.EntryPrice,
		StopLevel:       p.StopLevel,
		TakeProfitLevel: p.TakeProfitLevel,
		OpenedAt:        at,
		Status:          broker.PositionOpen,
		Reference:       p.Reference,
	}
	b.open[pos.ID] = pos
	return pos
}

// Close closes an open position at exitPrice and returns the realized P&L.
// Closing twice fails with ErrAlreadyClosed and leaves the balance alone.
func (b *Book) Close(positionID string, exitPrice float64) (float64, error) {
	return b.close(positionID, exitPrice, broker.ReasonManual)
}

func (b *Book) close(positionID string, exitPrice float64, reason string) (float64, error) {
	if !(exitPrice > 0) {
		return 0, fmt.Errorf("close position: %w: exit price %v", broker.ErrInvalidQuote, exitPrice)
	}

	b.mu.Lock()
	pos, ok := b.open[positionID]
	if !ok {
		_, wasClosed := b.closed[positionID]
		b.mu.Unlock()
		if wasClosed {
			return 0, fmt.Errorf("close position: %w: %q", broker.ErrAlreadyClosed, positionID)
		}
		return 0, fmt.Errorf("close position: %w: %q", broker.ErrNotFound, positionID)
	}

	at := b.now()
	b.closeLocked(pos, exitPrice, at, reason)
	b.recomputeLocked()
	b.recordEquityLocked(at)
	closed := *pos
	b.unlockAndPublish(events.Closed(closed))

	return closed.RealizedPnL, nil
}

// closeLocked freezes the position at exitPrice, moves it to history and
// books the realized P&L into the balance. Callers hold the write lock.
func (b *Book) closeLocked(pos *broker.Position, exitPrice float64, at time.Time, reason string) {
	pos.CurrentPrice = exitPrice
	pos.RealizedPnL = pos.PnLAt(exitPrice) - b.commission
	pos.UnrealizedPnL = 0
	pos.Status = broker.PositionClosed
	pos.ClosedAt = at
	pos.CloseReason = reason

	delete(b.open, pos.ID)
	b.closed[pos.ID] = pos
	b.history = append(b.history, pos)

	b.acct.Balance += pos.RealizedPnL

	err := b.journal.RecordTrade(journal.TradeRecord{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Direction:   pos.Direction.String(),
		Size:        pos.Size,
		Leverage:    pos.Leverage,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		OpenTime:    pos.OpenedAt.UTC(),
		CloseTime:   at.UTC(),
		RealizedPnL: pos.RealizedPnL,
		Reason:      reason,
	})
	if err != nil {
		b.log.WithError(err).WithField("id", pos.ID).Warn("journal trade record failed")
	}
}

// ApplyPriceUpdate marks every open position on the quote's symbol, then
// closes any whose stop or take-profit was crossed, then fills triggered
// pending orders. A filled position is marked and checked against its own
// levels in the same pass, so a fill through its stop closes at once. All of
// it happens under one lock so no reader sees a position marked beyond its
// stop.
func (b *Book) ApplyPriceUpdate(q broker.Quote) error {
	if err := q.Validate(); err != nil {
		return fmt.Errorf("apply price update: %w", err)
	}

	b.mu.Lock()
	if q.Time.IsZero() {
		q.Time = b.now()
	}
	b.quotes[q.Symbol] = q

	var out []events.Event
	for _, pos := range b.openOnLocked(q.Symbol) {
		if reason := markLocked(pos, q); reason != "" {
			b.closeLocked(pos, pos.CurrentPrice, q.Time, reason)
			out = append(out, events.Closed(*pos))
		}
	}

	for _, o := range b.ordersOnLocked(q.Symbol) {
		if !o.Triggered(q) {
			continue
		}
		delete(b.orders, o.ID)
		pos := b.openLocked(OpenParams{
			Symbol:          o.Symbol,
			Direction:       o.Direction,
			Size:            o.Size,
			Leverage:        o.Leverage,
			EntryPrice:      q.OpenPrice(o.Direction),
			StopLevel:       o.StopLevel,
			TakeProfitLevel: o.TakeProfitLevel,
			Reference:       o.Reference,
		}, q.Time)
		reason := markLocked(pos, q)
		out = append(out, events.Opened(*pos))
		b.log.WithFields(logrus.Fields{"order": o.ID, "position": pos.ID}).Info("pending order filled")
		if reason != "" {
			b.closeLocked(pos, pos.CurrentPrice, q.Time, reason)
			out = append(out, events.Closed(*pos))
		}
	}

	b.recomputeLocked()
	if len(out) > 0 {
		b.recordEquityLocked(q.Time)
	}
	b.unlockAndPublish(out...)
	return nil
}

// markLocked prices pos at the quote's closing side and returns the close
// reason when that price crossed a stop or take-profit.
func markLocked(pos *broker.Position, q broker.Quote) string {
	pos.CurrentPrice = q.ClosePrice(pos.Direction)
	pos.UnrealizedPnL = pos.PnLAt(pos.CurrentPrice)
	switch {
	case hitStopLoss(pos, pos.CurrentPrice):
		return broker.ReasonStopLoss
	case hitTakeProfit(pos, pos.CurrentPrice):
		return broker.ReasonTakeProfit
	}
	return ""
}

// unlockAndPublish releases the write lock and publishes evs. Holding pubMu
// across the release keeps publication in mutation order.
func (b *Book) unlockAndPublish(evs ...events.Event) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.mu.Unlock()

	for _, e := range evs {
		p := e.Position
		switch e.Kind {
		case events.PositionOpened:
			b.log.WithFields(logrus.Fields{
				"id": p.ID, "symbol": p.Symbol, "direction": p.Direction,
				"size": p.Size, "leverage": p.Leverage, "entry": p.EntryPrice,
			}).Info("position opened")
		case events.PositionClosed:
			b.log.WithFields(logrus.Fields{
				"id": p.ID, "symbol": p.Symbol, "exit": p.CurrentPrice,
				"pnl": p.RealizedPnL, "reason": p.CloseReason,
			}).Info("position closed")
		}
		b.pub.Publish(e)
	}
}

// recomputeLocked derives equity and margin from the balance and the live
// marks of open positions.
func (b *Book) recomputeLocked() {
	var unrealized, margin float64
	for _, p := range b.open {
		unrealized += p.UnrealizedPnL
		margin += p.Size * p.EntryPrice
	}
	b.acct.Equity = b.acct.Balance + unrealized
	b.acct.MarginUsed = margin
}

func (b *Book) recordEquityLocked(at time.Time) {
	err := b.journal.RecordEquity(journal.EquitySnapshot{
		Time:       at.UTC(),
		Balance:    b.acct.Balance,
		Equity:     b.acct.Equity,
		MarginUsed: b.acct.MarginUsed,
	})
	if err != nil {
		b.log.WithError(err).Warn("journal equity snapshot failed")
	}
}

// openOnLocked returns the open positions on symbol in id (open time) order.
func (b *Book) openOnLocked(symbol string) []*broker.Position {
	var out []*broker.Position
	for _, p := range b.open {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Book) ordersOnLocked(symbol string) []*broker.Order {
	var out []*broker.Order
	for _, o := range b.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
