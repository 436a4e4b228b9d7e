package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/tradeengine/autotrade"
	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/broker/paper"
	"github.com/rustyeddy/tradeengine/events"
	"github.com/rustyeddy/tradeengine/executor"
	"github.com/rustyeddy/tradeengine/feed"
	"github.com/rustyeddy/tradeengine/signals"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var creds = broker.Credentials{Identifier: "trader", Password: "hunter2", APIKey: "key"}

func newEngine(t *testing.T, opts Options) (*Engine, *paper.Venue) {
	t.Helper()
	venue := paper.New(paper.Config{Identifier: "trader", Password: "hunter2", Seed: 7, Volatility: 0.0001})
	venue.SetPrice("EURUSD", 1.1)

	log, _ := test.NewNullLogger()
	if opts.Account.Balance == 0 {
		opts.Account = broker.Account{ID: "PAPER-001", Currency: "USD", Balance: 10000}
	}
	if opts.Symbols == nil {
		opts.Symbols = []string{"EURUSD"}
		opts.Seeds = []broker.Quote{{Symbol: "EURUSD", Bid: 1.0999, Ask: 1.1001}}
	}
	if opts.Feed.Interval == 0 {
		opts.Feed = feed.Options{Interval: 10 * time.Millisecond}
	}
	opts.Logger = log

	e, err := New(venue, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, venue
}

func runEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

// collect drains ch in the background; the returned func reports what has
// arrived so far.
func collect(ch <-chan events.Event) func() []events.Event {
	var mu sync.Mutex
	var got []events.Event
	go func() {
		for e := range ch {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		}
	}()
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, 0, len(evs))
	for _, e := range evs {
		if e.Kind != events.PriceUpdate {
			out = append(out, e.Kind)
		}
	}
	return out
}

func TestNewRequiresVenue(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestSeedsReachTheBook(t *testing.T) {
	e, _ := newEngine(t, Options{})

	snap := e.Snapshot()
	require.Len(t, snap.Markets, 1)
	assert.Equal(t, 1.0999, snap.Markets[0].Bid)
	assert.Equal(t, broker.Disconnected, snap.Session.Status)
	assert.Equal(t, autotrade.Off, snap.AutoTrade)
	assert.Equal(t, 10000.0, snap.Account.Equity)
}

func TestCommandsRequireSession(t *testing.T) {
	e, venue := newEngine(t, Options{})

	_, err := e.OpenPosition(context.Background(), "EURUSD", broker.Long, 100, 1)
	assert.ErrorIs(t, err, broker.ErrNotConnected)
	assert.ErrorIs(t, e.EnableAutoTrade(context.Background()), broker.ErrNotConnected)
	assert.Equal(t, 0, venue.OpenDeals())
}

func TestConnectRejectsWrongPassword(t *testing.T) {
	e, _ := newEngine(t, Options{})

	bad := creds
	bad.Password = "nope"
	_, err := e.Connect(context.Background(), bad)
	require.ErrorIs(t, err, broker.ErrAuthRejected)
	assert.Equal(t, broker.Disconnected, e.Session().Status)
}

func TestOpenAndClose(t *testing.T) {
	e, venue := newEngine(t, Options{})
	got := collect(e.Events(64))

	sess, err := e.Connect(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, "PAPER-001", sess.AccountID)

	pos, err := e.OpenPosition(context.Background(), "EURUSD", broker.Long, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.1001, pos.EntryPrice)
	assert.Equal(t, 1, venue.OpenDeals())

	snap := e.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, pos.ID, snap.Positions[0].ID)

	realized, err := e.ClosePosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.InDelta(t, (1.0999-1.1001)*1000, realized, 1e-9)
	assert.Equal(t, 0, venue.OpenDeals())

	_, err = e.ClosePosition(context.Background(), pos.ID)
	assert.ErrorIs(t, err, broker.ErrAlreadyClosed)

	snap = e.Snapshot()
	assert.Empty(t, snap.Positions)
	require.Len(t, snap.History, 1)
	assert.InDelta(t, 10000+realized, snap.Account.Balance, 1e-9)

	require.Eventually(t, func() bool { return len(kinds(got())) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.Kind{
		events.SessionConnected, events.PositionOpened, events.PositionClosed, events.ExecutionFailed,
	}, kinds(got()))
}

func TestPlaceAndCancelOrder(t *testing.T) {
	e, _ := newEngine(t, Options{})
	_, err := e.Connect(context.Background(), creds)
	require.NoError(t, err)

	ord, err := e.PlaceOrder(context.Background(), executor.OrderRequest{
		Symbol: "EURUSD", Kind: broker.OrderLimit, Direction: broker.Long, Size: 10, Leverage: 1, Price: 1.05,
	})
	require.NoError(t, err)
	assert.Len(t, e.Snapshot().Orders, 1)

	require.NoError(t, e.CancelOrder(context.Background(), ord.ID))
	assert.Empty(t, e.Snapshot().Orders)
	assert.ErrorIs(t, e.CancelOrder(context.Background(), ord.ID), broker.ErrNotFound)
}

func TestRunStreamsPrices(t *testing.T) {
	e, _ := newEngine(t, Options{})
	got := collect(e.Events(256))
	_, err := e.Connect(context.Background(), creds)
	require.NoError(t, err)
	runEngine(t, e)

	require.Eventually(t, func() bool {
		n := 0
		for _, ev := range got() {
			if ev.Kind == events.PriceUpdate && ev.Symbol == "EURUSD" {
				n++
			}
		}
		return n >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopLossClosesThroughFeed(t *testing.T) {
	e, venue := newEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go venue.Run(ctx, e.Events(64))

	_, err := e.Connect(context.Background(), creds)
	require.NoError(t, err)

	pos, err := e.Open(context.Background(), executor.OpenRequest{
		Symbol: "EURUSD", Direction: broker.Long, Size: 1000, Leverage: 1, StopDistance: 0.01,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0901, pos.StopLevel, 1e-9)
	assert.Equal(t, 1, venue.OpenDeals())

	venue.SetPrice("EURUSD", 1.08)
	runEngine(t, e)

	require.Eventually(t, func() bool { return len(e.Snapshot().History) == 1 }, 2*time.Second, 5*time.Millisecond)
	closed := e.Snapshot().History[0]
	assert.Equal(t, pos.ID, closed.ID)
	assert.Equal(t, broker.ReasonStopLoss, closed.CloseReason)
	assert.Less(t, closed.RealizedPnL, 0.0)
	require.Eventually(t, func() bool { return venue.OpenDeals() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAutoTradeOpensOnSignal(t *testing.T) {
	always := autotrade.SignalFunc(func(string) (autotrade.Signal, bool) {
		return autotrade.Signal{Direction: broker.Short, Confidence: 0.95}, true
	})
	e, _ := newEngine(t, Options{
		Signals:   always,
		AutoTrade: autotrade.Config{Interval: 10 * time.Millisecond, Threshold: 0.7, Size: 50},
	})
	_, err := e.Connect(context.Background(), creds)
	require.NoError(t, err)

	require.NoError(t, e.EnableAutoTrade(context.Background()))
	require.Eventually(t, func() bool { return len(e.Snapshot().Positions) == 1 }, time.Second, 5*time.Millisecond)

	// same direction again never stacks a second position
	time.Sleep(50 * time.Millisecond)
	snap := e.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, broker.Short, snap.Positions[0].Direction)

	e.DisableAutoTrade()
	assert.Equal(t, autotrade.Off, e.AutoTradeState())
}

func TestDisconnectStopsAutoTrade(t *testing.T) {
	e, _ := newEngine(t, Options{
		AutoTrade: autotrade.Config{Interval: 10 * time.Millisecond, Size: 1},
	})
	_, err := e.Connect(context.Background(), creds)
	require.NoError(t, err)
	require.NoError(t, e.EnableAutoTrade(context.Background()))
	assert.NotEqual(t, autotrade.Off, e.AutoTradeState())

	e.Disconnect()
	assert.Equal(t, autotrade.Off, e.AutoTradeState())
	assert.Equal(t, broker.Disconnected, e.Session().Status)
}

func TestRevokedTokenExpiresSession(t *testing.T) {
	e, venue := newEngine(t, Options{})
	got := collect(e.Events(256))
	_, err := e.Connect(context.Background(), creds)
	require.NoError(t, err)

	venue.RevokeTokens()
	runEngine(t, e)

	require.Eventually(t, func() bool { return e.Session().Status == broker.Expired }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, ev := range got() {
			if ev.Kind == events.SessionLost {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, err = e.OpenPosition(context.Background(), "EURUSD", broker.Long, 1, 1)
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestEMACrossLearnsFromRun(t *testing.T) {
	cross, err := signals.NewEMACross(2, 4, 0.001)
	require.NoError(t, err)
	e, _ := newEngine(t, Options{Signals: cross})
	_, err = e.Connect(context.Background(), creds)
	require.NoError(t, err)
	runEngine(t, e)

	require.Eventually(t, func() bool {
		_, ok := cross.GenerateSignal("EURUSD")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseEndsEventStream(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ch := e.Events(4)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, open := <-ch
	assert.False(t, open)
	assert.Error(t, e.EnableAutoTrade(context.Background()))
}
