package broker

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the side of a position or order.
type Direction int

const (
	Long Direction = iota + 1
	Short
)

// Sign is +1 for Long and -1 for Short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

func (d Direction) Valid() bool {
	return d == Long || d == Short
}

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDirection accepts long/buy and short/sell in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	default:
		return 0, fmt.Errorf("unknown direction %q (want long|short)", s)
	}
}

// Quote is a bid/ask pair for a symbol at a point in time.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// Validate rejects non-positive prices and crossed quotes. A zero spread is
// allowed.
func (q Quote) Validate() error {
	if q.Bid <= 0 || q.Ask <= 0 {
		return fmt.Errorf("%w: %s bid=%v ask=%v must be positive", ErrInvalidQuote, q.Symbol, q.Bid, q.Ask)
	}
	if q.Ask < q.Bid {
		return fmt.Errorf("%w: %s ask %v below bid %v", ErrInvalidQuote, q.Symbol, q.Ask, q.Bid)
	}
	return nil
}

// ClosePrice is the side a position in direction d can be closed at right
// now: longs sell on the bid, shorts buy back on the ask.
func (q Quote) ClosePrice(d Direction) float64 {
	if d == Short {
		return q.Ask
	}
	return q.Bid
}

// OpenPrice is the side a new position in direction d is filled at.
func (q Quote) OpenPrice(d Direction) float64 {
	if d == Short {
		return q.Bid
	}
	return q.Ask
}

// Market is the feed's record for a subscribed symbol.
type Market struct {
	Symbol             string    `json:"symbol"`
	Bid                float64   `json:"bid"`
	Ask                float64   `json:"ask"`
	DailyChangePercent float64   `json:"dailyChangePercent"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

func (m Market) Quote() Quote {
	return Quote{Symbol: m.Symbol, Bid: m.Bid, Ask: m.Ask, Time: m.LastUpdated}
}

// Active reports whether the market has received at least one quote.
func (m Market) Active() bool {
	return !m.LastUpdated.IsZero()
}

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Close reasons recorded on closed positions.
const (
	ReasonManual     = "manual"
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
)

// Position is an open or closed market exposure. Values handed out by the
// book are copies; only the book mutates the ledger record.
type Position struct {
	ID              string         `json:"id"`
	Symbol          string         `json:"symbol"`
	Direction       Direction      `json:"direction"`
	Size            float64        `json:"size"`
	Leverage        float64        `json:"leverage"`
	EntryPrice      float64        `json:"entryPrice"`
	CurrentPrice    float64        `json:"currentPrice"`
	StopLevel       float64        `json:"stopLevel,omitempty"`
	TakeProfitLevel float64        `json:"takeProfitLevel,omitempty"`
	OpenedAt        time.Time      `json:"openedAt"`
	Status          PositionStatus `json:"status"`
	UnrealizedPnL   float64        `json:"unrealizedPnL"`
	RealizedPnL     float64        `json:"realizedPnL"`
	ClosedAt        time.Time      `json:"closedAt,omitempty"`
	CloseReason     string         `json:"closeReason,omitempty"`
	Reference       string         `json:"reference,omitempty"`
}

// PnLAt is the profit or loss of the position if it were valued at price:
// (price - entry) * sign * size * leverage.
func (p Position) PnLAt(price float64) float64 {
	return (price - p.EntryPrice) * p.Direction.Sign() * p.Size * p.Leverage
}

func (p Position) IsOpen() bool {
	return p.Status == PositionOpen
}

type OrderKind string

const (
	OrderLimit OrderKind = "limit"
	OrderStop  OrderKind = "stop"
)

// Order is a resting instruction that becomes a Position when filled.
type Order struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Kind             OrderKind `json:"kind"`
	Direction        Direction `json:"direction"`
	Size             float64   `json:"size"`
	Leverage         float64   `json:"leverage"`
	LimitOrStopPrice float64   `json:"limitOrStopPrice"`
	StopLevel        float64   `json:"stopLevel,omitempty"`
	TakeProfitLevel  float64   `json:"takeProfitLevel,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	Reference        string    `json:"reference,omitempty"`
}

// Triggered reports whether the order fills against q.
func (o Order) Triggered(q Quote) bool {
	px := q.OpenPrice(o.Direction)
	switch {
	case o.Kind == OrderLimit && o.Direction == Long:
		return px <= o.LimitOrStopPrice
	case o.Kind == OrderStop && o.Direction == Long:
		return px >= o.LimitOrStopPrice
	case o.Kind == OrderLimit && o.Direction == Short:
		return px >= o.LimitOrStopPrice
	case o.Kind == OrderStop && o.Direction == Short:
		return px <= o.LimitOrStopPrice
	}
	return false
}

type Account struct {
	ID         string  `json:"id"`
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	MarginUsed float64 `json:"marginUsed"`
}

type SessionStatus string

const (
	Disconnected SessionStatus = "disconnected"
	Connecting   SessionStatus = "connecting"
	Connected    SessionStatus = "connected"
	Expired      SessionStatus = "expired"
)

// Session is an authenticated, time limited credential scope.
type Session struct {
	Token     string        `json:"-"`
	AccountID string        `json:"accountId"`
	IssuedAt  time.Time     `json:"issuedAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Status    SessionStatus `json:"status"`
}

func (s Session) String() string {
	return fmt.Sprintf("session{account=%s status=%s expires=%s token=%s}",
		s.AccountID, s.Status, s.ExpiresAt.Format(time.RFC3339), redact(s.Token))
}

// Credentials identify the operator to the venue. TOTPSecret is optional.
type Credentials struct {
	Identifier string
	Password   string
	APIKey     string
	TOTPSecret string
}

// Validate returns ErrInvalidCredentials naming every empty required field.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Identifier) == "" {
		missing = append(missing, "identifier")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "api key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
	}
	return nil
}

func (c Credentials) String() string {
	return fmt.Sprintf("credentials{identifier=%s password=%s apiKey=%s}",
		c.Identifier, redact(c.Password), redact(c.APIKey))
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
