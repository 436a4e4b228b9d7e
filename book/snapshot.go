package book

import (
	"fmt"
	"sort"
	"time"

	"github.com/rustyeddy/tradeengine/broker"
)

// Snapshot is a point-in-time copy of the whole ledger.
type Snapshot struct {
	Time      time.Time         `json:"time"`
	Account   broker.Account    `json:"account"`
	Positions []broker.Position `json:"positions"`
	Orders    []broker.Order    `json:"orders"`
	History   []broker.Position `json:"history"`
}

// Snapshot copies the ledger under the read lock, so it never observes a
// price applied without the matching P&L.
func (b *Book) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Snapshot{
		Time:      b.now(),
		Account:   b.acct,
		Positions: b.openPositionsLocked(),
		Orders:    b.ordersLocked(),
		History:   b.historyLocked(),
	}
}

func (b *Book) Account() broker.Account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.acct
}

// Position looks up an open or closed position.
func (b *Book) Position(positionID string) (broker.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if p, ok := b.open[positionID]; ok {
		return *p, nil
	}
	if p, ok := b.closed[positionID]; ok {
		return *p, nil
	}
	return broker.Position{}, fmt.Errorf("position: %w: %q", broker.ErrNotFound, positionID)
}

// OpenPositions returns every open position, oldest first.
func (b *Book) OpenPositions() []broker.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.openPositionsLocked()
}

// OpenOn returns the open positions on symbol, oldest first.
func (b *Book) OpenOn(symbol string) []broker.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []broker.Position
	for _, p := range b.openOnLocked(symbol) {
		out = append(out, *p)
	}
	return out
}

// History returns closed positions in the order they were closed.
func (b *Book) History() []broker.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.historyLocked()
}

// HasMarket reports whether a price has ever been applied for symbol.
func (b *Book) HasMarket(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.quotes[symbol]
	return ok
}

func (b *Book) openPositionsLocked() []broker.Position {
	out := make([]broker.Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Book) historyLocked() []broker.Position {
	out := make([]broker.Position, len(b.history))
	for i, p := range b.history {
		out[i] = *p
	}
	return out
}
