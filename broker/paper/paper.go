// Package paper is an in-memory trading venue. It authenticates against
// configured credentials, random-walks quotes from seed prices and confirms
// every execution, with optional latency and failure injection.
//
// Stop-loss and take-profit closes and pending-order fills happen in the
// ledger, not through the venue. Feed the venue the ledger's events with Run
// to keep its deal table in step.
package paper

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/events"
)

const (
	DefaultTokenLifetime = 6 * time.Hour
	DefaultVolatility    = 0.0005
	DefaultSpread        = 0.0002
)

type Config struct {
	// Identifier and Password, when set, are the only credentials accepted.
	Identifier string `yaml:"identifier"`
	Password   string `yaml:"password"`
	// TOTPSecret, when set, requires a valid one-time code on login.
	TOTPSecret    string        `yaml:"totp_secret"`
	AccountID     string        `yaml:"account_id"`
	TokenLifetime time.Duration `yaml:"token_lifetime"`
	// Volatility is the standard deviation of each quote step relative to
	// the mid price.
	Volatility float64 `yaml:"volatility"`
	// Spread is the bid/ask spread relative to the mid price.
	Spread  float64       `yaml:"spread"`
	Seed    int64         `yaml:"seed"`
	Latency time.Duration `yaml:"latency"`
}

type Venue struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	tokens map[string]time.Time
	mids   map[string]float64
	deals  map[string]broker.OpenRequest
	orders map[string]broker.PendingRequest

	failN   int
	failErr error
}

func New(cfg Config) *Venue {
	if cfg.AccountID == "" {
		cfg.AccountID = "PAPER-001"
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if cfg.Volatility < 0 {
		cfg.Volatility = 0
	}
	if cfg.Volatility == 0 {
		cfg.Volatility = DefaultVolatility
	}
	if cfg.Spread <= 0 {
		cfg.Spread = DefaultSpread
	}
	return &Venue{
		cfg:    cfg,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		tokens: make(map[string]time.Time),
		mids:   make(map[string]float64),
		deals:  make(map[string]broker.OpenRequest),
		orders: make(map[string]broker.PendingRequest),
	}
}

// SetPrice sets the mid price a symbol's random walk continues from. It is
// how symbols become known to the venue.
func (v *Venue) SetPrice(symbol string, mid float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mids[symbol] = mid
}

// FailNext makes the next n execution calls fail with err, or with
// ErrExecutionFailed when err is nil.
func (v *Venue) FailNext(n int, err error) {
	if err == nil {
		err = fmt.Errorf("%w: injected failure", broker.ErrExecutionFailed)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failN, v.failErr = n, err
}

// RevokeTokens invalidates every issued token, as a venue-side session
// expiry would.
func (v *Venue) RevokeTokens() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens = make(map[string]time.Time)
}

// OpenDeals returns the number of opens confirmed and not yet closed.
func (v *Venue) OpenDeals() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.deals)
}

func (v *Venue) Authenticate(ctx context.Context, req broker.LoginRequest) (broker.Grant, error) {
	if err := v.wait(ctx); err != nil {
		return broker.Grant{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cfg.Identifier != "" && (req.Identifier != v.cfg.Identifier || req.Password != v.cfg.Password) {
		return broker.Grant{}, broker.Rejected("invalid identifier or password")
	}
	if v.cfg.TOTPSecret != "" && !totp.Validate(req.OTP, v.cfg.TOTPSecret) {
		return broker.Grant{}, broker.Rejected("invalid one-time code")
	}

	token := uuid.NewString()
	v.tokens[token] = v.now().Add(v.cfg.TokenLifetime)
	return broker.Grant{Token: token, AccountID: v.cfg.AccountID, Lifetime: v.cfg.TokenLifetime}, nil
}

func (v *Venue) Quote(ctx context.Context, token, symbol string) (broker.Quote, error) {
	if err := v.wait(ctx); err != nil {
		return broker.Quote{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkTokenLocked(token); err != nil {
		return broker.Quote{}, err
	}
	mid, ok := v.mids[symbol]
	if !ok {
		return broker.Quote{}, fmt.Errorf("quote: %w: %q", broker.ErrUnknownSymbol, symbol)
	}

	mid *= math.Exp(v.cfg.Volatility * v.rng.NormFloat64())
	v.mids[symbol] = mid

	half := mid * v.cfg.Spread / 2
	return broker.Quote{Symbol: symbol, Bid: mid - half, Ask: mid + half, Time: v.now()}, nil
}

func (v *Venue) ConfirmOpen(ctx context.Context, token string, req broker.OpenRequest) (broker.Confirmation, error) {
	if err := v.wait(ctx); err != nil {
		return broker.Confirmation{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.executeLocked(token); err != nil {
		return broker.Confirmation{}, err
	}
	if _, ok := v.mids[req.Symbol]; !ok {
		return broker.Confirmation{}, fmt.Errorf("confirm open: %w: %q", broker.ErrUnknownSymbol, req.Symbol)
	}
	ref := "deal-" + uuid.NewString()
	v.deals[ref] = req
	return broker.Confirmation{Reference: ref, Time: v.now()}, nil
}

func (v *Venue) ConfirmClose(ctx context.Context, token string, req broker.CloseRequest) (broker.Confirmation, error) {
	if err := v.wait(ctx); err != nil {
		return broker.Confirmation{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.executeLocked(token); err != nil {
		return broker.Confirmation{}, err
	}
	if req.Reference != "" {
		if _, ok := v.deals[req.Reference]; !ok {
			return broker.Confirmation{}, fmt.Errorf("confirm close: %w: unknown deal %q", broker.ErrExecutionFailed, req.Reference)
		}
		delete(v.deals, req.Reference)
	}
	return broker.Confirmation{Reference: "close-" + uuid.NewString(), Time: v.now()}, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, token string, req broker.PendingRequest) (broker.Confirmation, error) {
	if err := v.wait(ctx); err != nil {
		return broker.Confirmation{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.executeLocked(token); err != nil {
		return broker.Confirmation{}, err
	}
	if _, ok := v.mids[req.Symbol]; !ok {
		return broker.Confirmation{}, fmt.Errorf("place order: %w: %q", broker.ErrUnknownSymbol, req.Symbol)
	}
	ref := "order-" + uuid.NewString()
	v.orders[ref] = req
	return broker.Confirmation{Reference: ref, Time: v.now()}, nil
}

func (v *Venue) CancelOrder(ctx context.Context, token, reference string) error {
	if err := v.wait(ctx); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.executeLocked(token); err != nil {
		return err
	}
	if _, ok := v.orders[reference]; !ok {
		return fmt.Errorf("cancel order: %w: %q", broker.ErrNotFound, reference)
	}
	delete(v.orders, reference)
	return nil
}

// Settle applies a ledger event to the deal table. A filled pending order
// becomes a deal; a closed position's deal is removed.
func (v *Venue) Settle(e events.Event) {
	if e.Position == nil || e.Position.Reference == "" {
		return
	}
	ref := e.Position.Reference

	v.mu.Lock()
	defer v.mu.Unlock()
	switch e.Kind {
	case events.PositionOpened:
		if o, ok := v.orders[ref]; ok {
			delete(v.orders, ref)
			v.deals[ref] = broker.OpenRequest{
				Symbol:          o.Symbol,
				Direction:       o.Direction,
				Size:            o.Size,
				Leverage:        o.Leverage,
				Price:           e.Position.EntryPrice,
				StopLevel:       o.StopLevel,
				TakeProfitLevel: o.TakeProfitLevel,
			}
		}
	case events.PositionClosed:
		delete(v.deals, ref)
	}
}

// Run settles events from ch until it closes or ctx is done.
func (v *Venue) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			v.Settle(e)
		}
	}
}

// PendingOrders returns the number of resting orders not yet filled or
// cancelled.
func (v *Venue) PendingOrders() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

func (v *Venue) checkTokenLocked(token string) error {
	exp, ok := v.tokens[token]
	if !ok {
		return broker.Rejected("unknown token")
	}
	if !v.now().Before(exp) {
		delete(v.tokens, token)
		return broker.Rejected("token expired")
	}
	return nil
}

func (v *Venue) executeLocked(token string) error {
	if err := v.checkTokenLocked(token); err != nil {
		return err
	}
	if v.failN > 0 {
		v.failN--
		return v.failErr
	}
	return nil
}

func (v *Venue) wait(ctx context.Context) error {
	if v.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(v.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
