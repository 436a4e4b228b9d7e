package book

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/events"
	"github.com/rustyeddy/tradeengine/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testJournal struct {
	mu     sync.Mutex
	trades []journal.TradeRecord
	equity []journal.EquitySnapshot
	fail   bool
}

func (j *testJournal) RecordTrade(rec journal.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("disk full")
	}
	j.trades = append(j.trades, rec)
	return nil
}

func (j *testJournal) RecordEquity(rec journal.EquitySnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("disk full")
	}
	j.equity = append(j.equity, rec)
	return nil
}

func (j *testJournal) Close() error { return nil }

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newBook(t *testing.T, balance float64) (*Book, *testJournal, *events.Recorder) {
	t.Helper()
	j := &testJournal{}
	rec := &events.Recorder{}
	b := New(Options{
		Account:   broker.Account{ID: "acct-1", Currency: "USD", Balance: balance},
		Journal:   j,
		Publisher: rec,
		Now:       func() time.Time { return t0 },
	})
	return b, j, rec
}

func setPrice(t *testing.T, b *Book, symbol string, bid, ask float64) {
	t.Helper()
	require.NoError(t, b.ApplyPriceUpdate(broker.Quote{Symbol: symbol, Bid: bid, Ask: ask, Time: t0}))
}

func open(t *testing.T, b *Book, p OpenParams) broker.Position {
	t.Helper()
	pos, err := b.Open(p)
	require.NoError(t, err)
	return pos
}

func assertEquityIdentity(t *testing.T, s Snapshot) {
	t.Helper()
	sum := 0.0
	for _, p := range s.Positions {
		sum += p.UnrealizedPnL
	}
	assert.InDelta(t, s.Account.Balance+sum, s.Account.Equity, 1e-9)
}

func TestEURUSDScenario(t *testing.T) {
	b, j, rec := newBook(t, 100)
	setPrice(t, b, "EURUSD", 1.0998, 1.1000)

	pos := open(t, b, OpenParams{Symbol: "EURUSD", Direction: broker.Long, Size: 1, Leverage: 10, EntryPrice: 1.1000})
	assert.Equal(t, broker.PositionOpen, pos.Status)
	assert.NotEmpty(t, pos.ID)

	setPrice(t, b, "EURUSD", 1.1010, 1.1012)

	got, err := b.Position(pos.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.1010, got.CurrentPrice, 1e-12)
	assert.InDelta(t, 0.01, got.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 100.01, b.Account().Equity, 1e-9)

	pnl, err := b.Close(pos.ID, 1.1010)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, pnl, 1e-9)

	s := b.Snapshot()
	assert.InDelta(t, 100.01, s.Account.Balance, 1e-9)
	assert.InDelta(t, 100.01, s.Account.Equity, 1e-9)
	assert.Empty(t, s.Positions)
	require.Len(t, s.History, 1)
	assert.Equal(t, pos.ID, s.History[0].ID)
	assert.Equal(t, broker.PositionClosed, s.History[0].Status)
	assert.Equal(t, broker.ReasonManual, s.History[0].CloseReason)

	require.Len(t, j.trades, 1)
	assert.Equal(t, pos.ID, j.trades[0].PositionID)
	assert.Equal(t, "long", j.trades[0].Direction)
	assert.InDelta(t, 0.01, j.trades[0].RealizedPnL, 1e-9)

	assert.Len(t, rec.OfKind(events.PositionOpened), 1)
	closed := rec.OfKind(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.InDelta(t, 0.01, closed[0].RealizedPnL, 1e-9)
}

func TestStopLossTriggersSynchronously(t *testing.T) {
	b, _, rec := newBook(t, 1000)
	setPrice(t, b, "XYZ", 99.9, 100)

	pos := open(t, b, OpenParams{Symbol: "XYZ", Direction: broker.Long, Size: 2, Leverage: 5, EntryPrice: 100, StopLevel: 98})

	setPrice(t, b, "XYZ", 97, 97.2)

	assert.Empty(t, b.OpenPositions())
	got, err := b.Position(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, broker.PositionClosed, got.Status)
	assert.Equal(t, broker.ReasonStopLoss, got.CloseReason)
	assert.InDelta(t, 97, got.CurrentPrice, 1e-12)
	assert.InDelta(t, (97-100)*2*5.0, got.RealizedPnL, 1e-9)
	assert.InDelta(t, 1000-30.0, b.Account().Balance, 1e-9)

	closed := rec.OfKind(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, broker.ReasonStopLoss, closed[0].Position.CloseReason)
}

func TestTriggersUseClosingSide(t *testing.T) {
	t.Run("short stop uses ask", func(t *testing.T) {
		b, _, _ := newBook(t, 1000)
		setPrice(t, b, "XYZ", 100, 100.1)
		pos := open(t, b, OpenParams{Symbol: "XYZ", Direction: broker.Short, Size: 1, Leverage: 1, EntryPrice: 100, StopLevel: 101})

		// bid beyond the stop but ask is not: still open
		setPrice(t, b, "XYZ", 100.95, 100.99)
		assert.Len(t, b.OpenPositions(), 1)

		setPrice(t, b, "XYZ", 100.95, 101.0)
		got, err := b.Position(pos.ID)
		require.NoError(t, err)
		assert.Equal(t, broker.ReasonStopLoss, got.CloseReason)
		assert.InDelta(t, -1.0, got.RealizedPnL, 1e-9)
	})

	t.Run("short take profit", func(t *testing.T) {
		b, _, _ := newBook(t, 1000)
		setPrice(t, b, "XYZ", 100, 100.1)
		pos := open(t, b, OpenParams{Symbol: "XYZ", Direction: broker.Short, Size: 1, Leverage: 3, EntryPrice: 100, TakeProfitLevel: 95})

		setPrice(t, b, "XYZ", 94, 94.5)
		got, err := b.Position(pos.ID)
		require.NoError(t, err)
		assert.Equal(t, broker.ReasonTakeProfit, got.CloseReason)
		assert.InDelta(t, (100-94.5)*3, got.RealizedPnL, 1e-9)
	})

	t.Run("long take profit uses bid", func(t *testing.T) {
		b, _, _ := newBook(t, 1000)
		setPrice(t, b, "XYZ", 100, 100.1)
		open(t, b, OpenParams{Symbol: "XYZ", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 100.1, TakeProfitLevel: 105})

		setPrice(t, b, "XYZ", 104.9, 105.1)
		assert.Len(t, b.OpenPositions(), 1)

		setPrice(t, b, "XYZ", 105, 105.2)
		assert.Empty(t, b.OpenPositions())
	})
}

func TestCloseIdempotence(t *testing.T) {
	b, j, _ := newBook(t, 500)
	setPrice(t, b, "EURUSD", 1.1, 1.1)
	pos := open(t, b, OpenParams{Symbol: "EURUSD", Direction: broker.Long, Size: 100, Leverage: 1, EntryPrice: 1.1})

	_, err := b.Close(pos.ID, 1.2)
	require.NoError(t, err)
	balance := b.Account().Balance

	_, err = b.Close(pos.ID, 1.3)
	assert.ErrorIs(t, err, broker.ErrAlreadyClosed)
	assert.Equal(t, balance, b.Account().Balance)
	assert.Len(t, b.History(), 1)
	assert.Len(t, j.trades, 1)

	_, err = b.Close("pos_missing", 1.2)
	assert.ErrorIs(t, err, broker.ErrNotFound)
}

func TestOpenValidation(t *testing.T) {
	b, _, rec := newBook(t, 500)
	setPrice(t, b, "EURUSD", 1.1, 1.1002)

	base := OpenParams{Symbol: "EURUSD", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 1.1002}

	tests := []struct {
		name   string
		mutate func(p *OpenParams)
		want   error
	}{
		{"zero size", func(p *OpenParams) { p.Size = 0 }, broker.ErrInvalidSize},
		{"negative size", func(p *OpenParams) { p.Size = -1 }, broker.ErrInvalidSize},
		{"low leverage", func(p *OpenParams) { p.Leverage = 0.5 }, broker.ErrInvalidLeverage},
		{"unknown symbol", func(p *OpenParams) { p.Symbol = "NOPE" }, broker.ErrUnknownSymbol},
		{"long stop above entry", func(p *OpenParams) { p.StopLevel = 1.2 }, broker.ErrInvalidLevels},
		{"long take profit below entry", func(p *OpenParams) { p.TakeProfitLevel = 1.0 }, broker.ErrInvalidLevels},
		{"short stop below entry", func(p *OpenParams) { p.Direction = broker.Short; p.StopLevel = 1.0 }, broker.ErrInvalidLevels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := b.Open(p)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, b.OpenPositions())
	assert.Empty(t, rec.OfKind(events.PositionOpened))
}

func TestApplyPriceUpdateRejectsCrossedQuote(t *testing.T) {
	b, _, _ := newBook(t, 500)
	err := b.ApplyPriceUpdate(broker.Quote{Symbol: "EURUSD", Bid: 1.2, Ask: 1.1})
	assert.ErrorIs(t, err, broker.ErrInvalidQuote)
	assert.False(t, b.HasMarket("EURUSD"))
}

func TestUnrealizedMatchesRecomputation(t *testing.T) {
	b, _, _ := newBook(t, 10000)
	rng := rand.New(rand.NewSource(7))

	setPrice(t, b, "AAA", 50, 50.1)
	setPrice(t, b, "BBB", 20, 20.05)
	open(t, b, OpenParams{Symbol: "AAA", Direction: broker.Long, Size: 3, Leverage: 2, EntryPrice: 50.1})
	open(t, b, OpenParams{Symbol: "AAA", Direction: broker.Short, Size: 1, Leverage: 4, EntryPrice: 50})
	open(t, b, OpenParams{Symbol: "BBB", Direction: broker.Long, Size: 10, Leverage: 1, EntryPrice: 20.05})

	last := map[string]broker.Quote{
		"AAA": {Symbol: "AAA", Bid: 50.2, Ask: 50.3, Time: t0},
		"BBB": {Symbol: "BBB", Bid: 19.9, Ask: 20, Time: t0},
	}
	for _, q := range last {
		require.NoError(t, b.ApplyPriceUpdate(q))
	}
	for i := 0; i < 500; i++ {
		sym := "AAA"
		mid := 50.0
		if i%3 == 0 {
			sym, mid = "BBB", 20.0
		}
		bid := mid + rng.Float64()*4 - 2
		ask := bid + rng.Float64()*0.2
		q := broker.Quote{Symbol: sym, Bid: bid, Ask: ask, Time: t0.Add(time.Duration(i) * time.Second)}
		require.NoError(t, b.ApplyPriceUpdate(q))
		last[sym] = q

		s := b.Snapshot()
		assertEquityIdentity(t, s)
		for _, p := range s.Positions {
			q := last[p.Symbol]
			want := (q.ClosePrice(p.Direction) - p.EntryPrice) * p.Direction.Sign() * p.Size * p.Leverage
			assert.InDelta(t, want, p.UnrealizedPnL, 1e-9)
		}
	}
}

func TestMarginUsed(t *testing.T) {
	b, _, _ := newBook(t, 1000)
	setPrice(t, b, "AAA", 10, 10)
	open(t, b, OpenParams{Symbol: "AAA", Direction: broker.Long, Size: 2, Leverage: 10, EntryPrice: 10})
	open(t, b, OpenParams{Symbol: "AAA", Direction: broker.Short, Size: 1, Leverage: 1, EntryPrice: 10})

	assert.InDelta(t, 30, b.Account().MarginUsed, 1e-9)
}

func TestCommissionReducesRealized(t *testing.T) {
	b := New(Options{Account: broker.Account{Balance: 100}, Commission: 0.5})
	require.NoError(t, b.ApplyPriceUpdate(broker.Quote{Symbol: "AAA", Bid: 10, Ask: 10}))
	pos, err := b.Open(OpenParams{Symbol: "AAA", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 10})
	require.NoError(t, err)

	pnl, err := b.Close(pos.ID, 12)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, pnl, 1e-9)
	assert.InDelta(t, 101.5, b.Account().Balance, 1e-9)
}

func TestJournalFailureDoesNotBlockClose(t *testing.T) {
	b, j, _ := newBook(t, 100)
	setPrice(t, b, "AAA", 10, 10)
	pos := open(t, b, OpenParams{Symbol: "AAA", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 10})

	j.fail = true
	pnl, err := b.Close(pos.ID, 11)
	require.NoError(t, err)
	assert.InDelta(t, 1, pnl, 1e-9)
	assert.Empty(t, b.OpenPositions())
}

func TestConcurrentCloseAndPriceUpdateRealizeOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		b, _, _ := newBook(t, 1000)
		setPrice(t, b, "AAA", 100, 100)
		pos := open(t, b, OpenParams{Symbol: "AAA", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 100, StopLevel: 95})

		var wg sync.WaitGroup
		var closeErrs sync.Map
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, err := b.Close(pos.ID, 99)
				closeErrs.Store(i, err)
			}(i)
			go func() {
				defer wg.Done()
				_ = b.ApplyPriceUpdate(broker.Quote{Symbol: "AAA", Bid: 94, Ask: 94})
			}()
		}
		wg.Wait()

		h := b.History()
		require.Len(t, h, 1)
		assert.InDelta(t, 1000+h[0].RealizedPnL, b.Account().Balance, 1e-9)

		successes := 0
		closeErrs.Range(func(_, v any) bool {
			if v == nil {
				successes++
			}
			return true
		})
		assert.LessOrEqual(t, successes, 1)
	}
}

func TestPendingOrders(t *testing.T) {
	b, _, rec := newBook(t, 1000)
	setPrice(t, b, "AAA", 100, 100.2)

	limit, err := b.AddOrder(OrderParams{Symbol: "AAA", Kind: broker.OrderLimit, Direction: broker.Long, Size: 1, Leverage: 2, Price: 99})
	require.NoError(t, err)
	stop, err := b.AddOrder(OrderParams{Symbol: "AAA", Kind: broker.OrderStop, Direction: broker.Short, Size: 1, Leverage: 1, Price: 98})
	require.NoError(t, err)
	assert.Len(t, b.Orders(), 2)

	setPrice(t, b, "AAA", 99.5, 99.7)
	assert.Len(t, b.Orders(), 2)
	assert.Empty(t, b.OpenPositions())

	setPrice(t, b, "AAA", 98.8, 99.0)
	orders := b.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, stop.ID, orders[0].ID)

	positions := b.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, broker.Long, positions[0].Direction)
	assert.InDelta(t, 99.0, positions[0].EntryPrice, 1e-12)
	assert.Len(t, rec.OfKind(events.PositionOpened), 1)

	_, err = b.Order(limit.ID)
	assert.ErrorIs(t, err, broker.ErrNotFound)

	cancelled, err := b.CancelOrder(stop.ID)
	require.NoError(t, err)
	assert.Equal(t, stop.ID, cancelled.ID)
	assert.Empty(t, b.Orders())

	_, err = b.CancelOrder(stop.ID)
	assert.ErrorIs(t, err, broker.ErrNotFound)
}

func TestFillThroughStopClosesInSamePass(t *testing.T) {
	b, j, rec := newBook(t, 1000)
	setPrice(t, b, "AAA", 100, 100.2)

	_, err := b.AddOrder(OrderParams{Symbol: "AAA", Kind: broker.OrderLimit, Direction: broker.Long, Size: 1, Leverage: 1, Price: 99, StopLevel: 98.5})
	require.NoError(t, err)

	setPrice(t, b, "AAA", 96.8, 97)

	assert.Empty(t, b.OpenPositions())
	assert.Empty(t, b.Orders())
	h := b.History()
	require.Len(t, h, 1)
	assert.Equal(t, broker.ReasonStopLoss, h[0].CloseReason)
	assert.InDelta(t, 97, h[0].EntryPrice, 1e-12)
	assert.InDelta(t, 96.8, h[0].CurrentPrice, 1e-12)
	assert.InDelta(t, -0.2, h[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 999.8, b.Account().Balance, 1e-9)
	require.Len(t, j.trades, 1)

	evs := rec.Events()
	var kinds []events.Kind
	for _, e := range evs {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []events.Kind{events.PositionOpened, events.PositionClosed}, kinds)
	assert.Equal(t, broker.PositionOpen, evs[0].Position.Status)
}

func TestFillIsMarkedAtClosingSide(t *testing.T) {
	b, _, _ := newBook(t, 1000)
	setPrice(t, b, "AAA", 100, 100.2)
	_, err := b.AddOrder(OrderParams{Symbol: "AAA", Kind: broker.OrderLimit, Direction: broker.Long, Size: 2, Leverage: 1, Price: 99, StopLevel: 95})
	require.NoError(t, err)

	setPrice(t, b, "AAA", 98.8, 99.0)

	positions := b.OpenPositions()
	require.Len(t, positions, 1)
	assert.InDelta(t, 98.8, positions[0].CurrentPrice, 1e-12)
	assert.InDelta(t, -0.4, positions[0].UnrealizedPnL, 1e-9)
	assertEquityIdentity(t, b.Snapshot())
}

func TestOpenRefusesLevelsCrossedByClosingSide(t *testing.T) {
	b, _, rec := newBook(t, 1000)
	setPrice(t, b, "XYZ", 99.9, 100.1)

	_, err := b.Open(OpenParams{Symbol: "XYZ", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 100.1, StopLevel: 100})
	assert.ErrorIs(t, err, broker.ErrInvalidLevels)
	assert.Empty(t, b.OpenPositions())
	assert.Empty(t, rec.Events())

	pos := open(t, b, OpenParams{Symbol: "XYZ", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 100.1, StopLevel: 99.5})
	assert.InDelta(t, 99.9, pos.CurrentPrice, 1e-12)
	assert.InDelta(t, -0.2, pos.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 999.8, b.Account().Equity, 1e-9)
}

// orderedRecorder checks every PositionClosed arrives after its
// PositionOpened.
type orderedRecorder struct {
	mu      sync.Mutex
	opened  map[string]bool
	orphans int
}

func (r *orderedRecorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e.Kind {
	case events.PositionOpened:
		r.opened[e.Position.ID] = true
	case events.PositionClosed:
		if !r.opened[e.Position.ID] {
			r.orphans++
		}
	}
}

func TestOpenedPublishedBeforeClosed(t *testing.T) {
	for round := 0; round < 20; round++ {
		rec := &orderedRecorder{opened: make(map[string]bool)}
		b := New(Options{Account: broker.Account{Balance: 1000}, Publisher: rec})
		require.NoError(t, b.ApplyPriceUpdate(broker.Quote{Symbol: "AAA", Bid: 100, Ask: 100}))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = b.Open(OpenParams{Symbol: "AAA", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 100, StopLevel: 99})
			}()
			go func() {
				defer wg.Done()
				_ = b.ApplyPriceUpdate(broker.Quote{Symbol: "AAA", Bid: 98, Ask: 98})
				_ = b.ApplyPriceUpdate(broker.Quote{Symbol: "AAA", Bid: 100, Ask: 100})
			}()
		}
		wg.Wait()

		rec.mu.Lock()
		assert.Zero(t, rec.orphans)
		rec.mu.Unlock()
	}
}

func TestAddOrderValidation(t *testing.T) {
	b, _, _ := newBook(t, 1000)

	_, err := b.AddOrder(OrderParams{Symbol: "AAA", Kind: broker.OrderLimit, Direction: broker.Long, Size: 1, Leverage: 1, Price: 99})
	assert.ErrorIs(t, err, broker.ErrUnknownSymbol)

	setPrice(t, b, "AAA", 100, 100)
	_, err = b.AddOrder(OrderParams{Symbol: "AAA", Kind: "market", Direction: broker.Long, Size: 1, Leverage: 1, Price: 99})
	assert.Error(t, err)

	_, err = b.AddOrder(OrderParams{Symbol: "AAA", Kind: broker.OrderLimit, Direction: broker.Long, Size: 0, Leverage: 1, Price: 99})
	assert.ErrorIs(t, err, broker.ErrInvalidSize)
}

func TestSnapshotIsACopy(t *testing.T) {
	b, _, _ := newBook(t, 1000)
	setPrice(t, b, "AAA", 100, 100)
	open(t, b, OpenParams{Symbol: "AAA", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 100})

	s := b.Snapshot()
	s.Positions[0].Size = 999
	s.Account.Balance = 0

	assert.Equal(t, 1.0, b.OpenPositions()[0].Size)
	assert.Equal(t, 1000.0, b.Account().Balance)
}

func TestOpenOn(t *testing.T) {
	b, _, _ := newBook(t, 1000)
	setPrice(t, b, "AAA", 100, 100)
	setPrice(t, b, "BBB", 10, 10)
	first := open(t, b, OpenParams{Symbol: "AAA", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 100})
	open(t, b, OpenParams{Symbol: "BBB", Direction: broker.Long, Size: 1, Leverage: 1, EntryPrice: 10})
	second := open(t, b, OpenParams{Symbol: "AAA", Direction: broker.Short, Size: 1, Leverage: 1, EntryPrice: 100})

	on := b.OpenOn("AAA")
	require.Len(t, on, 2)
	assert.Equal(t, first.ID, on[0].ID)
	assert.Equal(t, second.ID, on[1].ID)
	assert.Empty(t, b.OpenOn("CCC"))
}
