// Package events defines what the engine reports to the outside world and a
// small fan-out bus to deliver it.
package events

import (
	"sync"
	"time"

	"github.com/rustyeddy/tradeengine/broker"
)

type Kind string

const (
	SessionConnected Kind = "session_connected"
	SessionLost      Kind = "session_lost"
	PriceUpdate      Kind = "price_update"
	PositionOpened   Kind = "position_opened"
	PositionClosed   Kind = "position_closed"
	FeedDegraded     Kind = "feed_degraded"
	ExecutionFailed  Kind = "execution_failed"
)

// Event is a single outbound notification. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind        Kind             `json:"kind"`
	Time        time.Time        `json:"time"`
	Symbol      string           `json:"symbol,omitempty"`
	Bid         float64          `json:"bid,omitempty"`
	Ask         float64          `json:"ask,omitempty"`
	Position    *broker.Position `json:"position,omitempty"`
	RealizedPnL float64          `json:"realizedPnL,omitempty"`
	AccountID   string           `json:"accountId,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// Publisher is implemented by anything that accepts events. Components take
// a Publisher so tests can capture what they emit.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Recorder keeps every event in memory. It is handy in tests and for
// single-shot CLI runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of kind k in publish order.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func Session(kind Kind, accountID, reason string) Event {
	return Event{Kind: kind, Time: time.Now(), AccountID: accountID, Reason: reason}
}

func Price(q broker.Quote) Event {
	return Event{Kind: PriceUpdate, Time: q.Time, Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask}
}

func Opened(p broker.Position) Event {
	return Event{Kind: PositionOpened, Time: p.OpenedAt, Symbol: p.Symbol, Position: &p}
}

func Closed(p broker.Position) Event {
	return Event{Kind: PositionClosed, Time: p.ClosedAt, Symbol: p.Symbol, Position: &p, RealizedPnL: p.RealizedPnL}
}

func Degraded(symbol string, reason string) Event {
	return Event{Kind: FeedDegraded, Time: time.Now(), Symbol: symbol, Reason: reason}
}

func Failed(symbol string, reason string) Event {
	return Event{Kind: ExecutionFailed, Time: time.Now(), Symbol: symbol, Reason: reason}
}
