package book

import (
	"fmt"
	"sort"

	"github.com/rustyeddy/tradeengine/broker"
	"github.com/sirupsen/logrus"
)

// OrderParams describes a resting order the venue has accepted.
type OrderParams struct {
	Symbol          string
	Kind            broker.OrderKind
	Direction       broker.Direction
	Size            float64
	Leverage        float64
	Price           float64
	StopLevel       float64
	TakeProfitLevel float64
	Reference       string
}

func (p OrderParams) Validate() error {
	if p.Kind != broker.OrderLimit && p.Kind != broker.OrderStop {
		return fmt.Errorf("%w: order kind %q", broker.ErrExecutionFailed, p.Kind)
	}
	return OpenParams{
		Symbol:          p.Symbol,
		Direction:       p.Direction,
		Size:            p.Size,
		Leverage:        p.Leverage,
		EntryPrice:      p.Price,
		StopLevel:       p.StopLevel,
		TakeProfitLevel: p.TakeProfitLevel,
	}.Validate()
}

// AddOrder records a pending order. It fills on a later price update that
// crosses its price, turning into a position; the order record is removed.
func (b *Book) AddOrder(p OrderParams) (broker.Order, error) {
	if err := p.Validate(); err != nil {
		return broker.Order{}, fmt.Errorf("add order: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.quotes[p.Symbol]; !ok {
		return broker.Order{}, fmt.Errorf("add order: %w: %q", broker.ErrUnknownSymbol, p.Symbol)
	}

	o := &broker.Order{
		ID:               b.ordIDs.New(),
		Symbol:           p.Symbol,
		Kind:             p.Kind,
		Direction:        p.Direction,
		Size:             p.Size,
		Leverage:         p.Leverage,
		LimitOrStopPrice: p.Price,
		StopLevel:        p.StopLevel,
		TakeProfitLevel:  p.TakeProfitLevel,
		CreatedAt:        b.now(),
		Reference:        p.Reference,
	}
	b.orders[o.ID] = o

	b.log.WithFields(logrus.Fields{
		"id": o.ID, "symbol": o.Symbol, "kind": o.Kind, "direction": o.Direction, "price": o.LimitOrStopPrice,
	}).Info("pending order added")

	return *o, nil
}

// CancelOrder removes a pending order and returns what it was.
func (b *Book) CancelOrder(orderID string) (broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return broker.Order{}, fmt.Errorf("cancel order: %w: %q", broker.ErrNotFound, orderID)
	}
	delete(b.orders, orderID)

	b.log.WithField("id", orderID).Info("pending order cancelled")
	return *o, nil
}

func (b *Book) Order(orderID string) (broker.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.orders[orderID]
	if !ok {
		return broker.Order{}, fmt.Errorf("order: %w: %q", broker.ErrNotFound, orderID)
	}
	return *o, nil
}

// Orders returns the pending orders, oldest first.
func (b *Book) Orders() []broker.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ordersLocked()
}

func (b *Book) ordersLocked() []broker.Order {
	out := make([]broker.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
